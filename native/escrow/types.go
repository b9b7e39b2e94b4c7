package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states of an escrow engagement.
type Status uint8

const (
	StatusPending Status = iota
	StatusFunded
	StatusReleased
	StatusRefunded
	// StatusDisputed is reserved. No operation enters or leaves it; it exists
	// so stored records and API payloads have a stable value once dispute
	// handling is specified.
	StatusDisputed
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFunded, StatusReleased, StatusRefunded, StatusDisputed:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFunded:
		return "funded"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	case StatusDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Escrow captures one client-artisan payment engagement. Everything except
// Status is immutable after Initialize; Status only ever moves forward along
// Pending -> Funded -> {Released | Refunded}.
type Escrow struct {
	ID        uint64
	Client    [20]byte
	Artisan   [20]byte
	Asset     string
	Amount    *big.Int
	Deadline  uint64
	CreatedAt uint64
	Status    Status
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// NormalizeAsset canonicalises the asset symbol used to fund an engagement:
// trimmed, uppercased, 1 to 16 characters drawn from A-Z and 0-9.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if len(trimmed) == 0 || len(trimmed) > 16 {
		return "", fmt.Errorf("unsupported escrow asset: %q", symbol)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("unsupported escrow asset: %q", symbol)
		}
	}
	return trimmed, nil
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance with canonical asset casing and a non-nil
// amount field. The function does not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	asset, err := NormalizeAsset(clone.Asset)
	if err != nil {
		return nil, err
	}
	clone.Asset = asset
	if clone.Amount == nil || clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow amount must be positive")
	}
	if clone.Client == clone.Artisan {
		return nil, fmt.Errorf("escrow client and artisan must differ")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}
