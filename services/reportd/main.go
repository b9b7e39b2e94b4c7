package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"artisanpay/observability/logging"
)

func main() {
	logging.Setup("reportd", os.Getenv("REPORTD_ENV"))

	nodeURL := strings.TrimSpace(os.Getenv("REPORTD_NODE_URL"))
	if nodeURL == "" {
		slog.Error("REPORTD_NODE_URL is required")
		os.Exit(1)
	}
	outputDir := strings.TrimSpace(os.Getenv("REPORTD_OUTPUT_DIR"))
	if outputDir == "" {
		outputDir = "reports"
	}

	db, err := openDatabase()
	if err != nil {
		slog.Error("open database failed", "error", err)
		os.Exit(1)
	}
	if err := AutoMigrate(db); err != nil {
		slog.Error("auto migrate failed", "error", err)
		os.Exit(1)
	}

	pollInterval := 15 * time.Second
	if raw := strings.TrimSpace(os.Getenv("REPORTD_POLL_INTERVAL")); raw != "" {
		if dur, err := time.ParseDuration(raw); err == nil && dur > 0 {
			pollInterval = dur
		}
	}

	source := NewRPCEventSource(nodeURL, os.Getenv("REPORTD_NODE_TOKEN"))
	poller := NewPoller(db, source, pollInterval, slog.Default())
	exporter := NewExporter(db, outputDir, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go poller.Run(ctx)
	go runDailyExport(ctx, exporter)

	slog.Info("reportd running", "node", nodeURL, "output", outputDir)
	<-ctx.Done()
	slog.Info("reportd shutting down")
}

func openDatabase() (*gorm.DB, error) {
	if dsn := strings.TrimSpace(os.Getenv("REPORTD_DATABASE_URL")); dsn != "" {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	}
	path := strings.TrimSpace(os.Getenv("REPORTD_DB_PATH"))
	if path == "" {
		path = "reportd.db"
	}
	return gorm.Open(sqlite.Open(path), &gorm.Config{})
}

// runDailyExport writes a report for the previous UTC day shortly after midnight.
func runDailyExport(ctx context.Context, exporter *Exporter) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24*time.Hour + 5*time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
		end := time.Now().UTC().Truncate(24 * time.Hour)
		start := end.Add(-24 * time.Hour)
		if _, err := exporter.Export(start, end); err != nil {
			slog.Error("daily export failed", "error", err)
		}
	}
}
