package main

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"
)

const defaultReportRetention = 90 * 24 * time.Hour

// Exporter materialises settlement reports as CSV and Parquet artefacts.
type Exporter struct {
	db        *gorm.DB
	outputDir string
	retention time.Duration
	logger    *slog.Logger
	nowFn     func() time.Time
}

func NewExporter(db *gorm.DB, outputDir string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{db: db, outputDir: outputDir, retention: defaultReportRetention, logger: logger, nowFn: time.Now}
}

// Export writes the settlements inside [start, end) to disk and records the run.
func (e *Exporter) Export(start, end time.Time) (*ReportRun, error) {
	var rows []Settlement
	err := e.db.
		Where("occurred_at >= ? AND occurred_at < ?", start.UTC(), end.UTC()).
		Order("sequence asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load settlements: %w", err)
	}

	runID := uuid.New()
	runDir := filepath.Join(e.outputDir, start.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	base := filepath.Join(runDir, "settlements-"+runID.String())

	csvPath := base + ".csv"
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := base + ".parquet"
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	e.logger.Info("settlement report written", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))

	run := ReportRun{
		ID:          runID,
		WindowStart: start.UTC(),
		WindowEnd:   end.UTC(),
		Rows:        len(rows),
		CSVPath:     csvPath,
		ParquetPath: parquetPath,
		CreatedAt:   e.nowFn().UTC(),
	}
	if err := e.db.Create(&run).Error; err != nil {
		return nil, fmt.Errorf("record report run: %w", err)
	}
	if err := e.pruneOldRuns(); err != nil {
		e.logger.Warn("report dir pruning failed", "error", err)
	}
	return &run, nil
}

// pruneOldRuns removes per-day report directories older than the retention
// window. Directory names that don't parse as dates are left alone.
func (e *Exporter) pruneOldRuns() error {
	if e.retention <= 0 {
		return nil
	}
	entries, err := os.ReadDir(e.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := e.nowFn().UTC().Add(-e.retention)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		day, err := time.Parse("2006-01-02", entry.Name())
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(e.outputDir, entry.Name())); err != nil {
				return err
			}
			e.logger.Info("pruned report dir", "day", entry.Name())
		}
	}
	return nil
}

func writeCSV(path string, rows []Settlement) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"sequence", "engagement", "type", "client", "artisan", "asset", "amount", "occurred_at"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.Sequence, 10),
			strconv.FormatUint(row.Engagement, 10),
			row.Type,
			row.Client,
			row.Artisan,
			row.Asset,
			row.Amount,
			row.OccurredAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

type parquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Engagement int64  `parquet:"name=engagement, type=INT64"`
	Type       string `parquet:"name=type, type=UTF8"`
	Client     string `parquet:"name=client, type=UTF8"`
	Artisan    string `parquet:"name=artisan, type=UTF8"`
	Asset      string `parquet:"name=asset, type=UTF8"`
	Amount     string `parquet:"name=amount, type=UTF8"`
	OccurredAt string `parquet:"name=occurred_at, type=UTF8"`
}

func writeParquet(path string, rows []Settlement) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Sequence:   int64(row.Sequence),
			Engagement: int64(row.Engagement),
			Type:       row.Type,
			Client:     row.Client,
			Artisan:    row.Artisan,
			Asset:      row.Asset,
			Amount:     row.Amount,
			OccurredAt: row.OccurredAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("parquet finalize: %w", err)
	}
	return file.Close()
}
