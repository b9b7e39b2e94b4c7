package escrow

import (
	"encoding/hex"
	"strconv"

	"artisanpay/core/events"
)

const (
	EventTypeInitialized = "escrow.initialized"
	EventTypeFunded      = "escrow.funded"
	EventTypeReleased    = "escrow.released"
	EventTypeReclaimed   = "escrow.reclaimed"
)

// NewInitializedEvent returns the canonical payload for a newly registered
// engagement.
func NewInitializedEvent(e *Escrow) events.Event {
	evt := newEscrowEvent(EventTypeInitialized, e)
	return evt
}

// NewFundedEvent returns the canonical payload emitted when the client's
// funds arrive in custody.
func NewFundedEvent(e *Escrow) events.Event {
	return newEscrowEvent(EventTypeFunded, e)
}

// NewReleasedEvent returns the canonical payload for a payout to the artisan.
func NewReleasedEvent(e *Escrow) events.Event {
	return newEscrowEvent(EventTypeReleased, e)
}

// NewReclaimedEvent returns the canonical payload for a post-deadline refund
// to the client, stamped with the time the reclaim executed.
func NewReclaimedEvent(e *Escrow, timestamp uint64) events.Event {
	evt := newEscrowEvent(EventTypeReclaimed, e)
	if evt.Attributes != nil {
		evt.Attributes["timestamp"] = strconv.FormatUint(timestamp, 10)
	}
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) events.Event {
	attrs := make(map[string]string)
	if e == nil {
		return events.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return events.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["client"] = hex.EncodeToString(sanitized.Client[:])
	attrs["artisan"] = hex.EncodeToString(sanitized.Artisan[:])
	attrs["asset"] = sanitized.Asset
	attrs["amount"] = sanitized.Amount.String()
	attrs["deadline"] = strconv.FormatUint(sanitized.Deadline, 10)
	attrs["status"] = sanitized.Status.String()
	return events.Event{Type: eventType, Attributes: attrs}
}
