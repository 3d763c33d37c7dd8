// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	modbus "github.com/grid-x/modbusbridge"
	"github.com/grid-x/modbusbridge/bridge"
	"github.com/grid-x/modbusbridge/internal/api"
	"github.com/grid-x/modbusbridge/internal/config"
	"github.com/grid-x/modbusbridge/internal/mqtt"
	"github.com/grid-x/modbusbridge/internal/profile"
)

const shutdownTimeout = 10 * time.Second

var newHandler = modbus.NewHandler

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path of the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("modbus-bridge failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("modbus-bridge stopped")
}

// instance is one bridge with the link it owns.
type instance struct {
	bridge *bridge.Bridge
	link   *modbus.Link
}

func setupBridge(bc config.BridgeConfig, logger *zap.Logger) (*instance, error) {
	trace := &debugAdapter{logger.With(zap.String("bridge", bc.Name))}
	handler, err := newHandler(bc.URL, modbus.HandlerOptions{
		Timeout:     bc.Timeout,
		IdleTimeout: bc.IdleTimeout,
		Serial: modbus.SerialOptions{
			BaudRate: bc.Serial.BaudRate,
			DataBits: bc.Serial.DataBits,
			Parity:   bc.Serial.Parity,
			StopBits: bc.Serial.StopBits,
			RS485:    bc.Serial.RS485,
		},
		Logger: trace,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", bc.Name, err)
	}
	link := modbus.NewLink(handler, modbus.LinkOptions{
		Timeout:          bc.Timeout,
		ReconnectInitial: bc.Reconnect.InitialInterval,
		ReconnectMax:     bc.Reconnect.MaxInterval,
		Logger:           trace,
	})
	b := bridge.New(modbus.NewClient(link), bridge.Options{
		Name:              bc.Name,
		CycleTime:         bc.CycleTime,
		Threshold:         bc.Defective.Threshold,
		MaxBackoff:        bc.Defective.MaxBackoff,
		LowPriorityWindow: bc.LowPriorityWindow,
		Logger:            logger,
	})

	for _, cc := range bc.Components {
		p, err := profile.Load(cc.Profile)
		if err != nil {
			// the component stays inactive, the others run
			logger.Error("component not activated", zap.String("bridge", bc.Name), zap.String("component", cc.ID), zap.Error(err))
			continue
		}
		if err := b.Register(profile.NewComponent(cc.ID, cc.UnitID, p)); err != nil {
			continue
		}
		if !cc.IsEnabled() {
			b.SetEnabled(cc.ID, false)
		}
	}
	return &instance{bridge: b, link: link}, nil
}

// setupBridges creates all configured bridges. On failure the links created
// so far are closed again.
func setupBridges(bcs []config.BridgeConfig, logger *zap.Logger) ([]*instance, error) {
	var instances []*instance
	for _, bc := range bcs {
		inst, err := setupBridge(bc, logger)
		if err != nil {
			return nil, multierr.Append(err, closeLinks(instances))
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func closeLinks(instances []*instance) (err error) {
	for _, inst := range instances {
		err = multierr.Append(err, inst.link.Close())
	}
	return err
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	instances, err := setupBridges(cfg.Bridges, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeLinks(instances))
	}()
	bridges := make([]*bridge.Bridge, len(instances))
	for i, inst := range instances {
		bridges[i] = inst.bridge
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, inst := range instances {
		b, link := inst.bridge, inst.link
		g.Go(func() error {
			if err := link.Connect(ctx); err != nil {
				logger.Warn("initial connect failed", zap.String("bridge", b.Name()), zap.Error(err))
			}
			return b.Run(ctx)
		})
	}

	if cfg.HTTP.Enabled {
		srv := api.NewServer(cfg.HTTP.Listen, bridges, logger)
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if cfg.MQTT.Enabled {
		client := mqtt.NewClient(cfg.MQTT, logger)
		adapter := mqtt.New(client, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, bridges, logger)
		g.Go(func() error {
			return adapter.Run(ctx)
		})
	}

	logger.Info("modbus-bridge started", zap.Int("bridges", len(instances)))
	return g.Wait()
}
