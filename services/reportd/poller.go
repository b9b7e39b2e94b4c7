package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const eventCursorName = "settlements"

// EventSource fetches escrow events from the node.
type EventSource interface {
	FetchEvents(ctx context.Context, after uint64) ([]NodeEvent, error)
}

// NodeEvent mirrors the node's escrow_events result entries.
type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// RPCEventSource pulls events over the node's JSON-RPC endpoint.
type RPCEventSource struct {
	baseURL   string
	authToken string
	http      *http.Client
}

func NewRPCEventSource(baseURL, authToken string) *RPCEventSource {
	return &RPCEventSource{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RPCEventSource) FetchEvents(ctx context.Context, after uint64) ([]NodeEvent, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "escrow_events",
		"params":  []interface{}{map[string]uint64{"after": after}},
		"id":      1,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var decoded struct {
		Result []NodeEvent `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("node rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	return decoded.Result, nil
}

// Poller ingests terminal escrow events into the settlement table.
type Poller struct {
	db       *gorm.DB
	source   EventSource
	interval time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time
}

func NewPoller(db *gorm.DB, source EventSource, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{db: db, source: source, interval: interval, logger: logger, nowFn: time.Now}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.logger.Warn("settlement poll failed", "error", err)
			}
		}
	}
}

// Poll fetches and ingests one batch of events.
func (p *Poller) Poll(ctx context.Context) error {
	after, err := p.cursor()
	if err != nil {
		return err
	}
	events, err := p.source.FetchEvents(ctx, after)
	if err != nil {
		return err
	}
	last := after
	for _, evt := range events {
		if evt.Sequence <= last {
			continue
		}
		if err := p.ingest(evt); err != nil {
			p.logger.Warn("ingest event failed", "sequence", evt.Sequence, "error", err)
		}
		last = evt.Sequence
	}
	if last == after {
		return nil
	}
	return p.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&Cursor{Name: eventCursorName, Value: last}).Error
}

func (p *Poller) cursor() (uint64, error) {
	var cur Cursor
	err := p.db.First(&cur, "name = ?", eventCursorName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cur.Value, nil
}

func (p *Poller) ingest(evt NodeEvent) error {
	var settlementType string
	switch evt.Type {
	case "escrow.released":
		settlementType = SettlementReleased
	case "escrow.reclaimed":
		settlementType = SettlementReclaimed
	default:
		return nil
	}
	engagement, _ := strconv.ParseUint(evt.Attributes["id"], 10, 64)
	occurred := p.nowFn().UTC()
	if raw, ok := evt.Attributes["timestamp"]; ok {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			occurred = time.Unix(secs, 0).UTC()
		}
	}
	settlement := Settlement{
		ID:         uuid.New(),
		Sequence:   evt.Sequence,
		Engagement: engagement,
		Type:       settlementType,
		Client:     evt.Attributes["client"],
		Artisan:    evt.Attributes["artisan"],
		Asset:      evt.Attributes["asset"],
		Amount:     evt.Attributes["amount"],
		OccurredAt: occurred,
	}
	return p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&settlement).Error
}
