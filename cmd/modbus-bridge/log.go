// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/grid-x/modbusbridge/internal/config"
)

// debugAdapter routes the frame traces of the transport to zap.
type debugAdapter struct {
	*zap.Logger
}

func (log *debugAdapter) Printf(msg string, args ...interface{}) {
	if log.Core().Enabled(zapcore.DebugLevel) {
		log.Debug(fmt.Sprintf(msg, args...))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
