// Package main provides migrd, the slot-migration engine's server: it
// listens for RESTORE-ASYNC* traffic (when acting as a migration
// destination) and the MGRT*/EXEC-WRAPPER administrative surface (when
// acting as a source), per database.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/kvslot/migrate/internal/config"
	"github.com/kvslot/migrate/internal/logging"
	"github.com/kvslot/migrate/internal/metrics"
	"github.com/kvslot/migrate/internal/migration"
	"github.com/kvslot/migrate/internal/server"
)

func main() {
	os.Exit(run(os.Args, os.Environ(), os.Stdout, os.Stderr))
}

func run(args, environ []string, out, errOut io.Writer) int {
	flags := flag.NewFlagSet("migrd", flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.SetOutput(io.Discard)

	flagListen := flags.String("listen", "", "Address to listen on for the migration command surface")
	flagMetrics := flags.String("metrics-listen", "", "Address to serve Prometheus metrics on")
	flagConfig := flags.StringP("config", "c", "", "Use specified config `file`")
	flagDBCount := flags.Int("db-count", 0, "Number of databases to serve")
	flagPassword := flags.String("password", "", "Destination AUTH password")
	flagLogLevel := flags.String("log-level", "", "Log level: debug, info, warn, error")
	flagLogJSON := flags.Bool("log-json", false, "Emit logs as JSON")
	flagPrintConfig := flags.Bool("print-config", false, "Print the resolved config and exit")

	if err := flags.Parse(args[1:]); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	cfg, _, err := config.Load(workDir, *flagConfig, environ)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	applyCLIOverrides(&cfg, flags, flagListen, flagMetrics, flagDBCount, flagPassword, flagLogLevel, flagLogJSON)

	if *flagPrintConfig {
		formatted, err := config.Format(cfg)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}

		fmt.Fprintln(out, formatted)

		return 0
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	lazy := migration.NewLazyReleaseWorker(logging.WithComponent(log, "lazy-release"))
	mtx := metrics.New("kvslotmigrate", func() float64 { return float64(lazy.QueueDepth()) })

	srv := server.New(cfg, log, mtx, lazy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mtx.Handler()}

		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()

		go func() {
			<-ctx.Done()
			metricsSrv.Close() //nolint:errcheck // best-effort on shutdown
		}()
	}

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server exited")
		return 1
	}

	return 0
}

func applyCLIOverrides(cfg *config.Config, flags *flag.FlagSet, listen, metricsAddr *string, dbCount *int, password, logLevel *string, logJSON *bool) {
	if flags.Changed("listen") {
		cfg.ListenAddr = strings.TrimSpace(*listen)
	}

	if flags.Changed("metrics-listen") {
		cfg.MetricsAddr = strings.TrimSpace(*metricsAddr)
	}

	if flags.Changed("db-count") {
		cfg.DBCount = *dbCount
	}

	if flags.Changed("password") {
		cfg.Password = *password
	}

	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	if flags.Changed("log-json") {
		cfg.LogJSON = *logJSON
	}
}
