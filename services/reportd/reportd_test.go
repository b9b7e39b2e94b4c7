package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeSource struct {
	events []NodeEvent
}

func (f *fakeSource) FetchEvents(_ context.Context, after uint64) ([]NodeEvent, error) {
	var out []NodeEvent
	for _, evt := range f.events {
		if evt.Sequence > after {
			out = append(out, evt)
		}
	}
	return out, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func TestPollerIngestsTerminalEvents(t *testing.T) {
	db := newTestDB(t)
	source := &fakeSource{events: []NodeEvent{
		{Sequence: 1, Type: "escrow.initialized", Attributes: map[string]string{"id": "1"}},
		{Sequence: 2, Type: "escrow.funded", Attributes: map[string]string{"id": "1"}},
		{Sequence: 3, Type: "escrow.released", Attributes: map[string]string{
			"id": "1", "client": "apay1aaa", "artisan": "apay1bbb", "asset": "USDX", "amount": "500",
		}},
		{Sequence: 4, Type: "escrow.reclaimed", Attributes: map[string]string{
			"id": "2", "asset": "USDX", "amount": "300", "timestamp": "1700000000",
		}},
	}}
	poller := NewPoller(db, source, time.Second, nil)

	require.NoError(t, poller.Poll(context.Background()))

	var settlements []Settlement
	require.NoError(t, db.Order("sequence asc").Find(&settlements).Error)
	require.Len(t, settlements, 2)
	require.Equal(t, SettlementReleased, settlements[0].Type)
	require.Equal(t, uint64(1), settlements[0].Engagement)
	require.Equal(t, SettlementReclaimed, settlements[1].Type)
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), settlements[1].OccurredAt)

	var cur Cursor
	require.NoError(t, db.First(&cur, "name = ?", eventCursorName).Error)
	require.Equal(t, uint64(4), cur.Value)

	// Re-polling is a no-op; the cursor skips everything already seen.
	require.NoError(t, poller.Poll(context.Background()))
	var count int64
	require.NoError(t, db.Model(&Settlement{}).Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestExporterWritesArtefacts(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	seed := []Settlement{
		{Sequence: 3, Engagement: 1, Type: SettlementReleased, Asset: "USDX", Amount: "500", OccurredAt: now},
		{Sequence: 9, Engagement: 2, Type: SettlementReclaimed, Asset: "USDX", Amount: "300", OccurredAt: now.Add(time.Hour)},
		{Sequence: 12, Engagement: 3, Type: SettlementReleased, Asset: "EURX", Amount: "900", OccurredAt: now.Add(48 * time.Hour)},
	}
	for i := range seed {
		seed[i].ID = uuid.New()
		require.NoError(t, db.Create(&seed[i]).Error)
	}

	dir := t.TempDir()
	exporter := NewExporter(db, dir, nil)
	start := now.Truncate(24 * time.Hour)
	run, err := exporter.Export(start, start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, run.Rows)

	csvData, err := os.ReadFile(run.CSVPath)
	require.NoError(t, err)
	require.Contains(t, string(csvData), "released")
	require.Contains(t, string(csvData), "reclaimed")
	require.NotContains(t, string(csvData), "EURX")

	info, err := os.Stat(run.ParquetPath)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))

	var recorded ReportRun
	require.NoError(t, db.First(&recorded, "id = ?", run.ID).Error)
	require.Equal(t, run.CSVPath, recorded.CSVPath)
}

func TestExporterPrunesExpiredRunDirs(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	exporter := NewExporter(db, dir, nil)
	now := time.Date(2026, 8, 30, 0, 30, 0, 0, time.UTC)
	exporter.nowFn = func() time.Time { return now }
	exporter.retention = 30 * 24 * time.Hour

	stale := filepath.Join(dir, "2026-01-01")
	fresh := filepath.Join(dir, "2026-08-15")
	odd := filepath.Join(dir, "scratch")
	for _, d := range []string{stale, fresh, odd} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	start := now.Truncate(24 * time.Hour).Add(-24 * time.Hour)
	_, err := exporter.Export(start, start.Add(24*time.Hour))
	require.NoError(t, err)

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
	_, err = os.Stat(odd)
	require.NoError(t, err)
}
