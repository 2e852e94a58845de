// Command acquisitiond runs one Acquisition Control Core run to
// completion, wiring configuration, the observer/control MQTT planes,
// and the Worker's per-FOV loop.
//
// Grounded on the teacher's cmd/oriond/main.go: flag-parsed config
// path, structured JSON logging, signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cephla-io/squid-acquisition/internal/config"
	"github.com/cephla-io/squid-acquisition/internal/control"
	"github.com/cephla-io/squid-acquisition/internal/hardware"
	"github.com/cephla-io/squid-acquisition/internal/observer"
	"github.com/cephla-io/squid-acquisition/internal/worker"
)

const defaultConfigPath = "config/acquisition.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting acquisition control core", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// The hardware driver is an out-of-scope external collaborator
	// (spec.md §1): acquisitiond wires the synthetic Mock until a real
	// driver binary is plugged in at this seam.
	hw := hardware.NewMock(2048, 2048, 1)

	bus := observer.New()

	w := worker.New(cfg, hw, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var controlHandler *control.Handler
	var sink *observer.MQTTSink
	if cfg.MQTT.Broker != "" {
		opts := mqtt.NewClientOptions()
		opts.AddBroker("tcp://" + cfg.MQTT.Broker)
		opts.SetClientID(cfg.MQTT.ClientID + "-control")
		client := mqtt.NewClient(opts)
		if token := client.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			slog.Error("failed to connect control-plane mqtt client", "error", token.Error())
			os.Exit(1)
		}

		controlHandler = control.NewHandler(client, cfg.MQTT.Topics.Control, cfg.MQTT.QoS["control"],
			cfg.MQTT.Topics.Events, cfg.MQTT.QoS["events"], control.Callbacks{
				OnPause:   w.Pause,
				OnResume:  w.Resume,
				OnRetake:  w.Retake,
				OnAbort:   w.Abort,
				OnProceed: w.Proceed,
			})
		if err := controlHandler.Start(ctx); err != nil {
			slog.Error("failed to start control plane", "error", err)
			os.Exit(1)
		}

		sink = observer.NewMQTTSink(observer.MQTTSinkConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID + "-events",
			Topic:    cfg.MQTT.Topics.Events,
			QoS:      cfg.MQTT.QoS["events"],
		})
		if err := sink.Connect(ctx); err != nil {
			slog.Error("failed to connect observer mqtt sink", "error", err)
			os.Exit(1)
		}
		go sink.Run(ctx, bus.Subscribe("mqtt-sink", 256))
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		if runErr := <-errChan; runErr != nil {
			slog.Warn("acquisition run stopped after shutdown signal", "error", runErr)
		}
	case runErr := <-errChan:
		if runErr != nil {
			slog.Error("acquisition run failed", "error", runErr)
		} else {
			slog.Info("acquisition run completed")
		}
	}

	if controlHandler != nil {
		_ = controlHandler.Stop()
	}
	if sink != nil {
		sink.Disconnect()
	}
	bus.Close()

	slog.Info("acquisitiond stopped")
}
