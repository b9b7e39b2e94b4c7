package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"artisanpay/storage"
)

type storedRecord struct {
	Owner  [20]byte
	Amount *big.Int
	Status uint8
}

func TestManagerKVRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	var owner [20]byte
	owner[0] = 0xAB
	record := storedRecord{Owner: owner, Amount: big.NewInt(500), Status: 1}
	require.NoError(t, manager.KVPut([]byte("escrow/1"), &record))

	loaded := storedRecord{}
	ok, err := manager.KVGet([]byte("escrow/1"), &loaded)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record.Owner, loaded.Owner)
	require.Zero(t, record.Amount.Cmp(loaded.Amount))
	require.Equal(t, record.Status, loaded.Status)
}

func TestManagerKVGetMissing(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	loaded := storedRecord{}
	ok, err := manager.KVGet([]byte("escrow/404"), &loaded)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManagerKVRejectsEmptyKey(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	require.Error(t, manager.KVPut(nil, uint64(1)))
	_, err := manager.KVGet(nil, nil)
	require.Error(t, err)
}

func TestExtendRetentionRenewsBelowThreshold(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	now := int64(1_000)
	manager.SetNowFunc(func() int64 { return now })

	require.NoError(t, manager.ExtendRetention([]byte("escrow/1"), 100, 600))
	expires, ok, err := manager.Retention([]byte("escrow/1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1_600), expires)

	// Remaining retention is still above the threshold, no renewal.
	now = 1_100
	require.NoError(t, manager.ExtendRetention([]byte("escrow/1"), 100, 600))
	expires, _, err = manager.Retention([]byte("escrow/1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1_600), expires)

	// Remaining drops below the threshold, pushed out to now + target.
	now = 1_550
	require.NoError(t, manager.ExtendRetention([]byte("escrow/1"), 100, 600))
	expires, _, err = manager.Retention([]byte("escrow/1"))
	require.NoError(t, err)
	require.Equal(t, uint64(2_150), expires)
}

func TestExtendRetentionRequiresTarget(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	require.Error(t, manager.ExtendRetention([]byte("escrow/1"), 10, 0))
}
