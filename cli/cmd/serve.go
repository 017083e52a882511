package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lumenworks/cadence/adapter"
	"github.com/lumenworks/cadence/adapter/redis"
	"github.com/lumenworks/cadence/adapter/webhook"
	"github.com/lumenworks/cadence/cli/config"
	"github.com/lumenworks/cadence/discovery"
	"github.com/lumenworks/cadence/engine"
	"github.com/lumenworks/cadence/log"
	"github.com/lumenworks/cadence/metrics"
	"github.com/lumenworks/cadence/portal"
	"github.com/lumenworks/cadence/upload"
)

const defaultListen = ":8090"

// ServeCommand returns the serve command: the device runtime.
// Everything else in the CLI is read-only.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the device: upload portal, sync link, render engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to cadence.yaml config file",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address for the portal (overrides config)",
			},
			&cli.StringFlag{
				Name:  "device-id",
				Usage: "Device identity (overrides config)",
			},
			&cli.StringFlag{
				Name:  "upload-dir",
				Usage: "Directory for spooled uploads and artifacts (overrides config)",
			},
			&cli.StringFlag{
				Name:  "artifact",
				Usage: "Feature artifact to load at startup",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		cfg = loaded
	}

	deviceID := firstNonEmpty(c.String("device-id"), cfg.Device.ID, defaultDeviceID())
	listen := firstNonEmpty(c.String("listen"), cfg.Device.Listen, defaultListen)
	uploadDir := firstNonEmpty(c.String("upload-dir"), cfg.Upload.Dir, defaultUploadDir())

	logger := log.NewLogger(deviceID)
	collector := metrics.NewCollector(deviceID)

	fanout, err := buildFanout(cfg.Adapter, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("adapter: %v", err), 1)
	}
	var events engine.EventSink
	if fanout != nil {
		events = fanout.Sink()
		defer func() { _ = fanout.Close() }()
	}

	uploads, err := upload.NewManager(upload.Config{
		Dir:              uploadDir,
		MaxArtifactBytes: cfg.Upload.MaxArtifactBytes,
		MaxChunkBytes:    cfg.Upload.MaxChunkBytes,
		DeviceID:         deviceID,
		Logger:           logger,
		Metrics:          collector,
		Events:           upload.EventSink(events),
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("upload manager: %v", err), 1)
	}
	defer uploads.Close()

	eng := engine.New(engine.Config{
		DeviceID:        deviceID,
		FrameRate:       cfg.Device.FrameRate,
		RingCapacity:    cfg.Ring.Capacity,
		StaleSessionAge: cfg.Upload.StaleAge.Duration,
		SweepInterval:   cfg.Upload.SweepInterval.Duration,
		Uploads:         uploads,
		Logger:          logger,
		Metrics:         collector,
		Events:          events,
	})

	if path := c.String("artifact"); path != "" {
		if _, err := eng.LoadArtifact(path); err != nil {
			return cli.Exit(fmt.Sprintf("load artifact: %v", err), 1)
		}
	}

	p := portal.New(portal.Config{
		Engine:  eng,
		Uploads: uploads,
		Sync:    cfg.ControllerConfig(),
		Logger:  logger,
		Metrics: collector,
	})
	srv := &http.Server{
		Addr:              listen,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DiscoveryEnabled() {
		if announcer, err := announceDevice(deviceID, listen, logger); err != nil {
			// Discovery is best effort; the portal still serves direct
			// connections.
			logger.Warn("discovery unavailable", map[string]any{"error": err.Error()})
		} else {
			defer func() { _ = announcer.Close() }()
		}
	}

	engDone := make(chan error, 1)
	go func() { engDone <- eng.Run(ctx) }()

	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.ListenAndServe() }()

	logger.Info("device serving", map[string]any{"listen": listen})

	select {
	case err := <-srvDone:
		stop()
		<-engDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return cli.Exit(fmt.Sprintf("portal: %v", err), 1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-engDone
	}

	logger.Info("device stopped", nil)
	return nil
}

// buildFanout assembles the status event fanout from the adapter
// config. A missing adapter section means no event publishing.
func buildFanout(cfg config.AdapterConfig, logger *log.Logger) (*adapter.Fanout, error) {
	switch cfg.Type {
	case "":
		return nil, nil

	case "redis":
		retries := redis.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		a, err := redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return adapter.NewFanout(logger, a), nil

	case "webhook":
		retries := webhook.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		a, err := webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return adapter.NewFanout(logger, a), nil

	default:
		return nil, fmt.Errorf("unknown adapter type %q (must be redis or webhook)", cfg.Type)
	}
}

func announceDevice(deviceID, listen string, logger *log.Logger) (*discovery.Announcer, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("listen port %q: %w", portStr, err)
	}
	return discovery.Announce(discovery.Config{
		DeviceID: deviceID,
		Port:     port,
		Logger:   logger,
	})
}

func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil {
		return "cadence"
	}
	return "cadence-" + host
}

func defaultUploadDir() string {
	return os.TempDir() + "/cadence-uploads"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
