package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/openseastack/netboot-imaging-backend/common"
	"github.com/openseastack/netboot-imaging-backend/guard"
	"github.com/openseastack/netboot-imaging-backend/httpserver"
	"github.com/openseastack/netboot-imaging-backend/imager"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Value: "/opt/netboot-imager/config.json",
		Usage: "path to the imager config file",
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
		Value: "netboot-imager",
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 15,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "netboot-imager",
		Usage: "Serve the device-side disk imaging API",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			configPath := cCtx.String("config")
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

			cfg, err := imager.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to load config", "path", configPath, "err", err)
				return err
			}

			g, err := guard.New(cfg.AllowedIPs, cfg.SharedSecret)
			if err != nil {
				logger.Error("Invalid guard configuration", "err", err)
				return err
			}

			writer := imager.NewWriter(cfg, logger)
			handler := imager.NewHandler(g, writer, logger)

			metricsAddr := ""
			if cfg.MetricsPort != 0 {
				metricsAddr = fmt.Sprintf(":%d", cfg.MetricsPort)
			}

			srv, err := httpserver.New(&httpserver.HTTPServerConfig{
				ListenAddr:               fmt.Sprintf(":%d", cfg.Port),
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				// Image writes stream for minutes; the write timeout only
				// bounds the response, not the worker.
				WriteTimeout: 30 * time.Second,
			}, handler.Routes)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting imager service", "port", cfg.Port, "allowedDevices", cfg.AllowedDevices)
			srv.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			srv.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
