// Command mrmscompare cross-checks the precipitation values stored with
// incident records against two renditions of the same MRMS product: the
// GRIB2 archive files on the public NOAA bucket and the NetCDF rasters
// served by the IEM raster service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	httpadapter "github.com/couchcryptid/mrms-compare/internal/adapter/http"
	"github.com/couchcryptid/mrms-compare/internal/adapter/iem"
	kafkaadapter "github.com/couchcryptid/mrms-compare/internal/adapter/kafka"
	"github.com/couchcryptid/mrms-compare/internal/adapter/noaa"
	"github.com/couchcryptid/mrms-compare/internal/adapter/postgres"
	"github.com/couchcryptid/mrms-compare/internal/config"
	"github.com/couchcryptid/mrms-compare/internal/extract"
	"github.com/couchcryptid/mrms-compare/internal/fetch"
	"github.com/couchcryptid/mrms-compare/internal/observability"
	"github.com/couchcryptid/mrms-compare/internal/pipeline"
)

var rootCmd = &cobra.Command{
	Use:   "mrmscompare",
	Short: "Compare MRMS precipitation renditions against recorded incidents",
	Long: `mrmscompare loads incident records from the reporting database, downloads
both MRMS renditions for every aligned two-minute bucket, matches each
incident to its nearest grid cell in both, and writes merged comparison
reports as JSON.

Examples:
  mrmscompare run-comparison        # incidents with data_value > 0
  mrmscompare run-zero-comparison   # incidents with data_value = 0
  mrmscompare inspect-db <table>    # print a table's schema`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run-comparison",
	Short: "Run the comparison over incidents with a positive data_value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runComparison(cmd.Context(), false)
	},
}

var runZeroCmd = &cobra.Command{
	Use:   "run-zero-comparison",
	Short: "Run the comparison over incidents whose data_value is exactly zero",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runComparison(cmd.Context(), true)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect-db <table>",
	Short: "Print the column names and types of a database table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspectTable(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(runCmd, runZeroCmd, inspectCmd)
}

func main() {
	// Local development keeps settings in a .env file; absence is fine.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runComparison(ctx context.Context, zeroValue bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	store, err := postgres.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	archives, err := noaa.NewClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	rasters := iem.NewClient(cfg, logger)
	fetcher := fetch.New(fetch.Config{
		Concurrency: cfg.FetchConcurrency,
		MaxRetries:  cfg.FetchMaxRetries,
		BackoffBase: cfg.FetchBackoff,
	}, clockwork.NewRealClock(), metrics, logger)

	deps := pipeline.Deps{
		Incidents: store,
		Archives:  archives,
		Rasters:   rasters,
		Fetcher:   fetcher,
		Grib:      extract.NewGrib(logger),
		NetCDF:    extract.NewNetCDF(cfg.NetCDFProduct, logger),
	}

	// Publishing is feature-flagged via KAFKA_MATCH_TOPIC / KAFKA_ENABLED.
	if cfg.KafkaEnabled {
		writer := kafkaadapter.NewWriter(cfg, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		deps.Publisher = writer
		metrics.PublishEnabled.Set(1)
		logger.Info("match publishing enabled", "topic", cfg.KafkaMatchTopic, "brokers", cfg.KafkaBrokers)
	} else {
		logger.Info("match publishing disabled")
	}

	p := pipeline.New(cfg, deps, logger, metrics)

	var srv *httpadapter.Server
	if cfg.MetricsAddr != "" {
		srv = httpadapter.NewServer(cfg.MetricsAddr, p, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	_, runErr := p.Run(ctx, zeroValue)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("comparison run: %w", runErr)
	}
	return nil
}

func inspectTable(ctx context.Context, table string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(cfg)

	store, err := postgres.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cols, err := store.InspectSchema(ctx, table)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("table %q not found", table)
	}

	fmt.Printf("--- Schema for table: %s ---\n", table)
	for _, col := range cols {
		fmt.Printf("  - %q\t%s\n", col.Name, col.DataType)
	}
	return nil
}
