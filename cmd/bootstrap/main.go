package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/openseastack/netboot-imaging-backend/bootstrap"
	"github.com/openseastack/netboot-imaging-backend/common"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "server-addr",
		Value: "",
		Usage: "orchestrator host:port (required)",
	},
	&cli.StringFlag{
		Name:  "install-dir",
		Value: "/opt/netboot-imager",
		Usage: "imager service install directory",
	},
	&cli.StringFlag{
		Name:  "unit-path",
		Value: "/etc/systemd/system/netboot-imager.service",
		Usage: "systemd unit install path",
	},
	&cli.Int64Flag{
		Name:  "timeout-seconds",
		Value: 120,
		Usage: "overall timeout for the bootstrap run",
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
	&cli.StringFlag{
		Name:  "log-service",
		Value: "netboot-bootstrap",
		Usage: "add 'service' tag to logs",
	},
}

func main() {
	app := &cli.App{
		Name:  "netboot-bootstrap",
		Usage: "Converge the imager service installation at boot",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			serverAddr := cCtx.String("server-addr")
			installDir := cCtx.String("install-dir")
			unitPath := cCtx.String("unit-path")
			timeout := time.Duration(cCtx.Int64("timeout-seconds")) * time.Second
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logService := cCtx.String("log-service")

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if serverAddr == "" {
				logger.Error("server-addr is required")
				return errors.New("server-addr is required")
			}

			kind, err := bootstrap.ClassifyBoot()
			if err != nil {
				logger.Error("Failed to classify boot", "err", err)
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			installer := bootstrap.NewInstaller(bootstrap.Config{
				ServerAddr: serverAddr,
				InstallDir: installDir,
				UnitPath:   unitPath,
			}, logger)

			if err := installer.Converge(ctx, kind); err != nil {
				logger.Error("Bootstrap failed", "boot", kind.String(), "err", err)
				return err
			}

			logger.Info("Bootstrap complete", "boot", kind.String())
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
