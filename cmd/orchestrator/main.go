package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/openseastack/netboot-imaging-backend/bootevents"
	"github.com/openseastack/netboot-imaging-backend/common"
	"github.com/openseastack/netboot-imaging-backend/devicestore"
	"github.com/openseastack/netboot-imaging-backend/httpserver"
	"github.com/openseastack/netboot-imaging-backend/orchestrator"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "0.0.0.0:38434",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:38435",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "advertise-addr",
		Value: "",
		Usage: "host:port devices reach this server on (required)",
	},
	&cli.StringFlag{
		Name:  "images-dir",
		Value: "/images",
		Usage: "image library directory",
	},
	&cli.StringFlag{
		Name:  "db",
		Value: "/var/lib/netboot/devices.db",
		Usage: "device database path",
	},
	&cli.StringFlag{
		Name:  "shared-secret",
		Value: "",
		Usage: "shared secret for device imager requests (required)",
	},
	&cli.IntFlag{
		Name:  "imager-port",
		Value: 8888,
		Usage: "port the device-side imager service listens on",
	},
	&cli.StringFlag{
		Name:  "imager-binary",
		Value: "",
		Usage: "device-side imager binary served to bootstrapping devices",
	},
	&cli.StringFlag{
		Name:  "dnsmasq-log",
		Value: "/var/log/dnsmasq.log",
		Usage: "boot daemon log to correlate boot events from",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "netboot-orchestrator",
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "netboot-orchestrator",
		Usage: "Serve the netboot fleet orchestration API",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			metricsAddr := cCtx.String("metrics-addr")
			advertiseAddr := cCtx.String("advertise-addr")
			imagesDir := cCtx.String("images-dir")
			dbPath := cCtx.String("db")
			sharedSecret := cCtx.String("shared-secret")
			imagerPort := cCtx.Int("imager-port")
			imagerBinary := cCtx.String("imager-binary")
			dnsmasqLog := cCtx.String("dnsmasq-log")
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logUID := cCtx.Bool("log-uid")
			logService := cCtx.String("log-service")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if logUID {
				id := uuid.Must(uuid.NewRandom())
				logger = logger.With("uid", id.String())
			}

			if advertiseAddr == "" {
				logger.Error("advertise-addr is required")
				return errors.New("advertise-addr is required")
			}
			if sharedSecret == "" {
				logger.Error("shared-secret is required")
				return errors.New("shared-secret is required")
			}

			store, err := devicestore.New(dbPath, logger)
			if err != nil {
				logger.Error("Failed to open device store", "path", dbPath, "err", err)
				return err
			}
			defer store.Close()

			api, err := orchestrator.NewServer(orchestrator.Config{
				ImagesDir:     imagesDir,
				AdvertiseAddr: advertiseAddr,
				SharedSecret:  sharedSecret,
				ImagerPort:    imagerPort,
				ImagerBinary:  imagerBinary,
			}, store, logger)
			if err != nil {
				logger.Error("Failed to create orchestrator", "err", err)
				return err
			}

			srv, err := httpserver.New(&httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				// Image downloads stream for minutes.
				WriteTimeout: 30 * time.Minute,
			}, api.Routes)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			// Boot event correlation runs alongside the API for the
			// process lifetime.
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			correlator := bootevents.NewCorrelator(store, func() string {
				name, err := api.Images().ActiveImage()
				if err != nil {
					return ""
				}
				return name
			}, logger)
			go func() {
				tailer := bootevents.NewTailer(dnsmasqLog, logger)
				if err := correlator.Run(ctx, tailer); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Boot event correlator stopped", "err", err)
				}
			}()

			logger.Info("Starting orchestrator", "listenAddr", listenAddr, "imagesDir", imagesDir)
			srv.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			cancel()
			srv.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
