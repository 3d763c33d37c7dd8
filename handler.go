// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"fmt"
	"net/url"
	"time"

	"github.com/grid-x/serial"
)

// SerialOptions holds the line settings of an RTU connection.
type SerialOptions struct {
	BaudRate int
	DataBits int
	// Parity is one of "N", "E" or "O".
	Parity   string
	StopBits int
	// RS485 enables RTS toggling for half duplex transceivers.
	RS485 bool
}

// HandlerOptions configures the handler created by NewHandler.
type HandlerOptions struct {
	// Timeout bounds connection setup and reads without a context deadline.
	Timeout time.Duration
	// IdleTimeout closes an unused connection, zero keeps it open.
	IdleTimeout time.Duration
	Serial      SerialOptions
	Logger      logger
}

// NewHandler creates the client handler for rawURL:
//
//	tcp://host:port
//	rtu:///dev/ttyUSB0
func NewHandler(rawURL string, o HandlerOptions) (ClientHandler, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "rtu":
		if u.Path == "" {
			return nil, fmt.Errorf("modbus: missing serial device in %q", rawURL)
		}
		h := NewRTUClientHandler(u.Path)
		if o.Timeout > 0 {
			h.Timeout = o.Timeout
		}
		h.IdleTimeout = o.IdleTimeout
		h.Logger = o.Logger
		h.BaudRate = o.Serial.BaudRate
		h.DataBits = o.Serial.DataBits
		h.Parity = o.Serial.Parity
		h.StopBits = o.Serial.StopBits
		h.RS485 = serial.RS485Config{
			Enabled: o.Serial.RS485,
		}
		return h, nil
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("modbus: missing host in %q", rawURL)
		}
		timeout := tcpTimeout
		if o.Timeout > 0 {
			timeout = o.Timeout
		}
		h := NewTCPClientHandler(u.Host, WithDialer(defaultDialFunc(timeout)))
		h.Timeout = timeout
		h.IdleTimeout = o.IdleTimeout
		h.Logger = o.Logger
		return h, nil
	}

	return nil, fmt.Errorf("modbus: unsupported scheme: %s", u.Scheme)
}
