// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/aerocommand/alerts"
	"github.com/absmach/aerocommand/bus"
	"github.com/absmach/aerocommand/cache"
	badgercache "github.com/absmach/aerocommand/cache/badger"
	memcache "github.com/absmach/aerocommand/cache/memory"
	"github.com/absmach/aerocommand/command"
	"github.com/absmach/aerocommand/config"
	"github.com/absmach/aerocommand/internal/wiring"
	"github.com/absmach/aerocommand/notify"
	"github.com/absmach/aerocommand/ratelimit"
	"github.com/absmach/aerocommand/realtime"
	"github.com/absmach/aerocommand/server/health"
	"github.com/absmach/aerocommand/server/otel"
	"github.com/absmach/aerocommand/server/websocket"
	"github.com/absmach/aerocommand/store/dynamo"
	"github.com/absmach/aerocommand/store/memory"
	"github.com/absmach/aerocommand/telemetry"
	"github.com/absmach/aerocommand/topics"
)

// durableStore is satisfied by every storage backend.
type durableStore interface {
	command.Store
	telemetry.Store
	telemetry.Directory
	alerts.RuleSource
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
	logger := slog.New(handler).With("instance_id", cfg.Service.InstanceID)
	slog.SetDefault(logger)

	slog.Info("Starting fleet command service", "name", cfg.Service.Name)
	slog.Info("Configuration loaded",
		"mqtt_broker", cfg.MQTT.BrokerURL,
		"topic_root", cfg.Service.TopicRoot,
		"cache_type", cfg.Cache.Type,
		"storage_type", cfg.Storage.Type,
		"realtime_enabled", cfg.Realtime.Enabled,
		"realtime_addr", cfg.Realtime.Addr,
		"alerts_enabled", cfg.Alerts.Enabled,
		"webhook_enabled", cfg.Webhook.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"health_enabled", cfg.Health.Enabled,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	if cfg.Otel.Enabled {
		shutdown, err := otel.Setup(context.Background(), cfg.Otel, cfg.Service)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown

		if cfg.Otel.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint)
	}

	var c cache.Cache
	switch cfg.Cache.Type {
	case "memory":
		c = memcache.New()
		slog.Info("Using in-memory cache")
	case "badger":
		bc, err := badgercache.New(badgercache.Config{Dir: cfg.Cache.BadgerDir})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB cache", "error", err)
			os.Exit(1)
		}
		c = bc
		slog.Info("Using BadgerDB cache", "dir", cfg.Cache.BadgerDir)
	default:
		slog.Error("Unknown cache type", "type", cfg.Cache.Type)
		os.Exit(1)
	}
	keys := cache.NewKeys(cfg.Cache.KeyPrefix)

	var st durableStore
	switch cfg.Storage.Type {
	case "memory":
		st = memory.New()
		slog.Info("Using in-memory storage")
	case "dynamodb":
		initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := dynamo.NewClient(initCtx, cfg.Storage.DynamoDB)
		initCancel()
		if err != nil {
			slog.Error("Failed to initialize DynamoDB client", "error", err)
			os.Exit(1)
		}
		st = dynamo.New(client, cfg.Storage.DynamoDB)
		slog.Info("Using DynamoDB storage", "region", cfg.Storage.DynamoDB.Region)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}

	tb := topics.NewBuilder(cfg.Service.TopicRoot)

	transport := bus.NewPahoTransport(bus.PahoConfig{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	}, logger)
	busClient, err := bus.New(transport, bus.NewOptions().
		SetQoS(cfg.MQTT.QoS).
		SetReconnectDelay(cfg.MQTT.ReconnectDelay).
		SetRequeueDelay(cfg.MQTT.RequeueDelay).
		SetLogger(logger).
		SetMetrics(metrics).
		SetOnConnect(func() { slog.Info("Connected to message bus", "broker", cfg.MQTT.BrokerURL) }).
		SetOnConnectionLost(func(err error) { slog.Warn("Message bus connection lost", "error", err) }))
	if err != nil {
		slog.Error("Failed to create bus client", "error", err)
		os.Exit(1)
	}

	hub := realtime.NewHub(cfg.Realtime.SendTimeout, logger, metrics)

	var webhook *notify.Webhook
	if cfg.Webhook.Enabled {
		webhook, err = notify.NewWebhook(cfg.Webhook, cfg.Service.Name, notify.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to create webhook notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("Webhook notifier enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	coordOpts := []command.Option{
		command.WithBroadcaster(hub),
		command.WithLogger(logger),
		command.WithMetrics(metrics),
		command.WithTracer(otel.Tracer("command")),
		command.WithKeys(keys),
		command.WithTopics(tb),
		command.WithSource(cfg.Service.Name),
	}
	if webhook != nil {
		coordOpts = append(coordOpts, command.WithNotifier(webhook))
	}
	coordinator, err := command.NewCoordinator(cfg.Command, busClient, c, st, coordOpts...)
	if err != nil {
		slog.Error("Failed to create command coordinator", "error", err)
		os.Exit(1)
	}

	resolver, err := telemetry.NewOrgResolver(st, cfg.Telemetry.OrgCacheSize, cfg.Telemetry.OrgCacheTTL)
	if err != nil {
		slog.Error("Failed to create org resolver", "error", err)
		os.Exit(1)
	}

	pipeOpts := []telemetry.Option{
		telemetry.WithOrgResolver(resolver),
		telemetry.WithLogger(logger),
		telemetry.WithMetrics(metrics),
		telemetry.WithTracer(otel.Tracer("telemetry")),
		telemetry.WithKeys(keys),
	}

	var kafkaSink *alerts.KafkaSink
	if cfg.Alerts.Enabled {
		sinks := []alerts.Sink{alerts.NewRealtimeSink(hub)}
		if cfg.Alerts.PublishToBus {
			sinks = append(sinks, alerts.NewBusSink(busClient))
		}
		if webhook != nil {
			sinks = append(sinks, alerts.NewNotifierSink(webhook))
		}
		if cfg.Kafka.Enabled {
			kafkaSink, err = alerts.NewKafkaSink(cfg.Kafka, cfg.Service.Name)
			if err != nil {
				slog.Error("Failed to create Kafka alert sink", "error", err)
				os.Exit(1)
			}
			sinks = append(sinks, kafkaSink)
			slog.Info("Kafka alert export enabled", "topic", cfg.Kafka.AlertTopic)
		}

		monitor, err := alerts.NewMonitor(cfg.Alerts, st, c, sinks,
			alerts.WithMonitorLogger(logger),
			alerts.WithMonitorMetrics(metrics),
			alerts.WithMonitorKeys(keys),
			alerts.WithMonitorTopics(tb))
		if err != nil {
			slog.Error("Failed to create alert monitor", "error", err)
			os.Exit(1)
		}
		pipeOpts = append(pipeOpts, telemetry.WithAlerts(monitor))
		slog.Info("Alert monitor enabled", "sinks", len(sinks))
	}

	pipeline, err := telemetry.NewPipeline(cfg.Telemetry, st, c, hub, pipeOpts...)
	if err != nil {
		slog.Error("Failed to create telemetry pipeline", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := wiring.Register(ctx, busClient, wiring.Handlers{
		Telemetry: pipeline,
		Commands:  coordinator,
		Topics:    tb,
		Logger:    logger,
	}); err != nil {
		slog.Error("Failed to register subscriptions", "error", err)
		os.Exit(1)
	}

	if err := busClient.Start(); err != nil {
		slog.Error("Failed to start bus client", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	var guard *ratelimit.Guard
	if cfg.Realtime.Enabled {
		guard = ratelimit.NewGuard(cfg.Realtime.RateLimit)
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Realtime.Addr,
			Path:            cfg.Realtime.Path,
			PingInterval:    cfg.Realtime.PingInterval,
			ShutdownTimeout: cfg.Service.ShutdownTimeout,
		}, hub, guard, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting realtime websocket server", "address", cfg.Realtime.Addr, "path", cfg.Realtime.Path)
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			InstanceID:      cfg.Service.InstanceID,
			ShutdownTimeout: cfg.Service.ShutdownTimeout,
		}, logger)
		healthServer.AddProbe("bus", func(context.Context) error {
			if !busClient.IsConnected() {
				return fmt.Errorf("bus %s", busClient.State())
			}
			return nil
		})
		healthServer.AddProbe("cache", func(ctx context.Context) error {
			_, err := c.Exists(ctx, keys.Lock("health"))
			return err
		})
		healthServer.AddGauge("bus_pending", busClient.Pending)
		healthServer.AddGauge("realtime_connections", hub.ConnectionCount)
		healthServer.AddGauge("realtime_channels", hub.ChannelCount)
		healthServer.AddGauge("org_cache_entries", resolver.Len)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Health.Addr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Fleet command service started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	wg.Wait()

	coordinator.Close()
	busClient.Stop()
	guard.Stop()

	if webhook != nil {
		if err := webhook.Close(); err != nil {
			slog.Error("Failed to drain webhook queue", "error", err)
		}
	}
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			slog.Error("Failed to close Kafka writer", "error", err)
		}
	}
	if err := c.Close(); err != nil && !errors.Is(err, cache.ErrClosed) {
		slog.Error("Failed to close cache", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Fleet command service stopped")
}
