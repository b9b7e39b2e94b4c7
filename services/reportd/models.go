package main

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Settlement types recorded from the node event feed.
const (
	SettlementReleased  = "released"
	SettlementReclaimed = "reclaimed"
)

// Settlement records a terminal escrow outcome observed on the node.
type Settlement struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex"`
	Engagement uint64    `gorm:"index"`
	Type       string    `gorm:"size:16;index"`
	Client     string    `gorm:"size:64"`
	Artisan    string    `gorm:"size:64"`
	Asset      string    `gorm:"size:16;index"`
	Amount     string    `gorm:"size:64"`
	OccurredAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// ReportRun records a generated settlement report and its artefacts.
type ReportRun struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	WindowStart time.Time
	WindowEnd   time.Time
	Rows        int
	CSVPath     string
	ParquetPath string
	CreatedAt   time.Time
}

// Cursor persists the last processed node event sequence.
type Cursor struct {
	Name  string `gorm:"primaryKey;size:32"`
	Value uint64
}

// AutoMigrate applies the schema for all reportd models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Settlement{}, &ReportRun{}, &Cursor{})
}
