package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"artisanpay/storage"
)

var (
	kvPrefix        = []byte("kv/")
	retentionPrefix = []byte("retention/")
)

// Manager provides an RLP-encoded keyed view over the raw database together
// with per-key retention bookkeeping. Retention records are storage hygiene
// hints only: nothing in the manager deletes a key on expiry, so a record that
// is still operationally relevant can never be lost through this layer.
type Manager struct {
	db    storage.Database
	nowFn func() int64
}

type retentionRecord struct {
	ExpiresAt uint64
}

// NewManager wraps the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:    db,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used for retention bookkeeping.
// Primarily intended for tests to provide deterministic timestamps.
func (m *Manager) SetNowFunc(now func() int64) {
	if m == nil {
		return
	}
	if now == nil {
		m.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	m.nowFn = now
}

func (m *Manager) now() uint64 {
	if m == nil || m.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	ts := m.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func kvKey(key []byte) []byte {
	return append(append([]byte{}, kvPrefix...), key...)
}

func retentionKey(key []byte) []byte {
	return append(append([]byte{}, retentionPrefix...), key...)
}

// KVPut encodes the value with RLP and stores it under the supplied key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return errors.New("state: database not configured")
	}
	if len(key) == 0 {
		return fmt.Errorf("state: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, errors.New("state: database not configured")
	}
	if len(key) == 0 {
		return false, fmt.Errorf("state: key must not be empty")
	}
	data, err := m.db.Get(kvKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// ExtendRetention renews the retention hint for the supplied key using the
// two-tier rule: when the remaining retention has dropped below the renewal
// threshold (or no hint exists yet), the expiry is pushed out to now plus the
// target retention. Both arguments are expressed in seconds.
func (m *Manager) ExtendRetention(key []byte, renewalThreshold, targetRetention uint64) error {
	if m == nil || m.db == nil {
		return errors.New("state: database not configured")
	}
	if len(key) == 0 {
		return fmt.Errorf("state: key must not be empty")
	}
	if targetRetention == 0 {
		return fmt.Errorf("state: target retention must be positive")
	}
	now := m.now()
	record := retentionRecord{}
	data, err := m.db.Get(retentionKey(key))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// No hint yet, fall through and write one.
	case err != nil:
		return err
	default:
		if err := rlp.DecodeBytes(data, &record); err != nil {
			return err
		}
		if record.ExpiresAt > now && record.ExpiresAt-now >= renewalThreshold {
			return nil
		}
	}
	record.ExpiresAt = now + targetRetention
	encoded, err := rlp.EncodeToBytes(&record)
	if err != nil {
		return err
	}
	return m.db.Put(retentionKey(key), encoded)
}

// Retention reports the current retention expiry for the key. The boolean is
// false when no hint has been recorded.
func (m *Manager) Retention(key []byte) (uint64, bool, error) {
	if m == nil || m.db == nil {
		return 0, false, errors.New("state: database not configured")
	}
	data, err := m.db.Get(retentionKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	record := retentionRecord{}
	if err := rlp.DecodeBytes(data, &record); err != nil {
		return 0, false, err
	}
	return record.ExpiresAt, true, nil
}
