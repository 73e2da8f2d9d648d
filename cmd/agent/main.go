// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fleetagent/config"
	"github.com/absmach/fleetagent/exchange"
	"github.com/absmach/fleetagent/manager/shutdown"
	"github.com/absmach/fleetagent/monitor/cephusage"
	"github.com/absmach/fleetagent/monitor/ubuntupro"
	"github.com/absmach/fleetagent/monitor/vminfo"
	"github.com/absmach/fleetagent/persist"
	"github.com/absmach/fleetagent/ping"
	"github.com/absmach/fleetagent/plugin"
	"github.com/absmach/fleetagent/registration"
	"github.com/absmach/fleetagent/server/health"
	"github.com/absmach/fleetagent/server/otel"
	"github.com/absmach/fleetagent/store"
	"github.com/absmach/fleetagent/transport"
)

// agentStatus aggregates the state the health endpoints report on.
type agentStatus struct {
	identity *registration.Identity
	store    *store.MessageStore
	engine   *exchange.Engine
}

func (a *agentStatus) Registered() bool  { return a.identity.Registered() }
func (a *agentStatus) PendingCount() int { return a.store.PendingCount() }
func (a *agentStatus) FailureCount() int { return a.engine.FailureCount() }

// runCommand executes an external command and returns its combined output.
func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting fleet agent", "version", "1.0.0")
	slog.Info("Configuration loaded",
		"server_url", cfg.Server.URL,
		"transport", cfg.Server.Transport,
		"exchange_interval", cfg.Exchange.Interval,
		"storage_type", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	var state persist.Store
	switch cfg.Storage.Type {
	case "file":
		fileStore, err := persist.NewFileStore(cfg.Storage.File, logger)
		if err != nil {
			slog.Error("Failed to open state file", "error", err)
			os.Exit(1)
		}
		state = fileStore
		slog.Info("Using file-backed state", "file", cfg.Storage.File)
	case "badger":
		badgerStore, err := persist.NewBadgerStore(cfg.Storage.BadgerDir)
		if err != nil {
			slog.Error("Failed to initialize BadgerDB state", "error", err)
			os.Exit(1)
		}
		state = badgerStore
		slog.Info("Using BadgerDB persistent state", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer state.Close()

	messageStore := store.New(state, logger)
	identity := registration.NewIdentity(state, cfg.Registration.ComputerTitle, cfg.Registration.AccountName)

	var tr transport.Transport
	switch cfg.Server.Transport {
	case "http":
		tr = transport.NewHTTP(transport.HTTPConfig{
			URL:              cfg.Server.URL,
			Timeout:          cfg.Server.Timeout,
			FailureThreshold: cfg.Server.FailureThreshold,
			ResetTimeout:     cfg.Server.ResetTimeout,
		}, logger)
	case "websocket":
		tr = transport.NewWS(transport.WSConfig{
			URL:             cfg.Server.URL,
			ExchangeTimeout: cfg.Server.Timeout,
		}, logger)
	case "mqtt":
		mqttTr, err := transport.NewMQTT(transport.MQTTConfig{
			BrokerURL:       cfg.Server.MQTTBroker,
			ClientID:        cfg.Server.MQTTClientID,
			ExchangeTimeout: cfg.Server.Timeout,
		}, logger)
		if err != nil {
			slog.Error("Failed to connect MQTT transport", "error", err)
			os.Exit(1)
		}
		tr = mqttTr
	default:
		slog.Error("Unknown transport type", "type", cfg.Server.Transport)
		os.Exit(1)
	}
	defer tr.Close()

	engine := exchange.New(exchange.Config{
		Interval:       cfg.Exchange.Interval,
		UrgentInterval: cfg.Exchange.UrgentInterval,
		BackoffBase:    cfg.Exchange.BackoffBase,
		BackoffCap:     cfg.Exchange.BackoffCap,
		MaxBatch:       cfg.Exchange.MaxBatch,
		Heartbeat:      cfg.Exchange.Heartbeat,
	}, messageStore, tr, identity, logger)

	var otelShutdown func(context.Context) error
	if cfg.Otel.Enabled {
		shutdownFn, err := otel.InitProvider(cfg.Otel, cfg.Registration.ComputerTitle)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdownFn

		metrics, err := otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		engine.SetObserver(metrics)
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint)
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	platformTags := map[string]any{}
	if vm := vminfo.Detect("/"); vm != "" {
		platformTags["vm-info"] = vm
		slog.Info("Virtualization detected", "type", vm)
	}
	regHandler := registration.NewHandler(identity, messageStore, engine, platformTags, logger)

	registry := plugin.NewRegistry(cfg.Plugins.Interval, logger)
	if cfg.Plugins.CephUsage {
		registry.Add(cephusage.New(messageStore, runCommand, logger))
	}
	if cfg.Plugins.UbuntuPro {
		registry.Add(ubuntupro.New(messageStore, runCommand, logger))
	}
	if cfg.Plugins.Shutdown {
		mgr := shutdown.New(messageStore, engine, runCommand, logger)
		registry.Add(mgr)
		engine.Handle("shutdown", mgr.HandleShutdown)
	}
	engine.AddFlusher(registry)
	engine.AddResynchronizer(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		registry.Start(ctx)
	}()

	if cfg.Ping.Enabled {
		pingURL := cfg.Ping.URL
		if pingURL == "" {
			pingURL = cfg.Server.URL + "/ping"
		}
		pinger := ping.New(ping.Config{
			URL:      pingURL,
			Interval: cfg.Ping.Interval,
			Timeout:  cfg.Ping.Timeout,
		}, identity, engine, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			pinger.Start(ctx)
		}()
	}

	serverErr := make(chan error, 1)
	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address: cfg.Health.Addr,
		}, &agentStatus{identity: identity, store: messageStore, engine: engine}, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Health.Addr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	// Register on first start, and again whenever the server rejects the
	// agent's credentials.
	register := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := regHandler.Register(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Registration failed", "error", err)
			}
		}()
	}
	engine.OnIdentityRejected(register)
	if !identity.Registered() {
		register()
	}

	slog.Info("Fleet agent started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	registry.Stop()

	if err := messageStore.Flush(); err != nil {
		slog.Error("Failed to flush message store", "error", err)
	}

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	wg.Wait()
	slog.Info("Fleet agent stopped")
}
