// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix prefixes environment overrides, e.g. MBB_HTTP_LISTEN.
const EnvPrefix = "MBB"

type Config struct {
	Logging LoggingConfig  `mapstructure:"logging"`
	HTTP    HTTPConfig     `mapstructure:"http"`
	MQTT    MQTTConfig     `mapstructure:"mqtt"`
	Bridges []BridgeConfig `mapstructure:"bridges"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

// BridgeConfig describes one transport and the components sharing it.
type BridgeConfig struct {
	Name string `mapstructure:"name"`
	// URL is tcp://host:port or rtu:///dev/ttyX.
	URL               string            `mapstructure:"url"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	IdleTimeout       time.Duration     `mapstructure:"idle_timeout"`
	CycleTime         time.Duration     `mapstructure:"cycle_time"`
	LowPriorityWindow int               `mapstructure:"low_priority_window"`
	Defective         DefectiveConfig   `mapstructure:"defective"`
	Reconnect         ReconnectConfig   `mapstructure:"reconnect"`
	Serial            SerialConfig      `mapstructure:"serial"`
	Components        []ComponentConfig `mapstructure:"components"`
}

type DefectiveConfig struct {
	Threshold  int `mapstructure:"threshold"`
	MaxBackoff int `mapstructure:"max_backoff"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type SerialConfig struct {
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	Parity   string `mapstructure:"parity"`
	StopBits int    `mapstructure:"stop_bits"`
	RS485    bool   `mapstructure:"rs485"`
}

type ComponentConfig struct {
	ID     string `mapstructure:"id"`
	UnitID byte   `mapstructure:"unit_id"`
	// Profile is the path of the register map file.
	Profile string `mapstructure:"profile"`
	Enabled *bool  `mapstructure:"enabled"`
}

// IsEnabled defaults to true when enabled is not set.
func (c ComponentConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "modbus-bridge")
	v.SetDefault("mqtt.topic_prefix", "modbus")
	v.SetDefault("mqtt.qos", 0)
}

// Bridge level defaults apply to every entry of the bridges list.
const (
	defaultTimeout     = time.Second
	defaultIdleTimeout = 60 * time.Second
	defaultCycleTime   = time.Second
	defaultThreshold   = 3
	defaultMaxBackoff  = 60
	defaultReconnect   = 500 * time.Millisecond
	defaultReconnMax   = 30 * time.Second
	defaultBaudRate    = 9600
	defaultDataBits    = 8
	defaultParity      = "N"
	defaultStopBits    = 1
)

func (b *BridgeConfig) applyDefaults() {
	if b.Timeout == 0 {
		b.Timeout = defaultTimeout
	}
	if b.IdleTimeout == 0 {
		b.IdleTimeout = defaultIdleTimeout
	}
	if b.CycleTime == 0 {
		b.CycleTime = defaultCycleTime
	}
	if b.Defective.Threshold == 0 {
		b.Defective.Threshold = defaultThreshold
	}
	if b.Defective.MaxBackoff == 0 {
		b.Defective.MaxBackoff = defaultMaxBackoff
	}
	if b.Reconnect.InitialInterval == 0 {
		b.Reconnect.InitialInterval = defaultReconnect
	}
	if b.Reconnect.MaxInterval == 0 {
		b.Reconnect.MaxInterval = defaultReconnMax
	}
	if b.Serial.BaudRate == 0 {
		b.Serial.BaudRate = defaultBaudRate
	}
	if b.Serial.DataBits == 0 {
		b.Serial.DataBits = defaultDataBits
	}
	if b.Serial.Parity == "" {
		b.Serial.Parity = defaultParity
	}
	if b.Serial.StopBits == 0 {
		b.Serial.StopBits = defaultStopBits
	}
}

// Load reads the YAML file at path. Environment variables with prefix MBB
// override scalar settings, e.g. MBB_LOGGING_LEVEL=debug.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	for i := range cfg.Bridges {
		cfg.Bridges[i].applyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the bridges cannot run without.
func (c *Config) Validate() error {
	var errs []error
	names := make(map[string]bool)
	for i, b := range c.Bridges {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("bridges[%d]: name is required", i))
		} else if names[b.Name] {
			errs = append(errs, fmt.Errorf("bridges[%d]: duplicate name %q", i, b.Name))
		}
		names[b.Name] = true
		if b.URL == "" {
			errs = append(errs, fmt.Errorf("bridge %q: url is required", b.Name))
		}
		if b.Defective.Threshold < 1 {
			errs = append(errs, fmt.Errorf("bridge %q: defective.threshold must be at least 1", b.Name))
		}
		if b.Defective.MaxBackoff < 1 {
			errs = append(errs, fmt.Errorf("bridge %q: defective.max_backoff must be at least 1", b.Name))
		}
		ids := make(map[string]bool)
		for j, comp := range b.Components {
			switch {
			case comp.ID == "":
				errs = append(errs, fmt.Errorf("bridge %q: components[%d]: id is required", b.Name, j))
			case ids[comp.ID]:
				errs = append(errs, fmt.Errorf("bridge %q: duplicate component %q", b.Name, comp.ID))
			}
			ids[comp.ID] = true
			if comp.Profile == "" {
				errs = append(errs, fmt.Errorf("bridge %q: component %q: profile is required", b.Name, comp.ID))
			}
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt: broker is required"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt: qos %d out of range", c.MQTT.QoS))
	}
	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
