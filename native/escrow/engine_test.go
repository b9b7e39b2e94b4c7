package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"artisanpay/core/events"
	"artisanpay/state"
	"artisanpay/storage"
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type mockLedger struct {
	balances map[string]map[[20]byte]*big.Int
	failWith error
	calls    int
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[string]map[[20]byte]*big.Int)}
}

func (m *mockLedger) balance(asset string, addr [20]byte) *big.Int {
	if accounts, ok := m.balances[asset]; ok {
		if bal, ok := accounts[addr]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return big.NewInt(0)
}

func (m *mockLedger) mint(asset string, addr [20]byte, amount int64) {
	accounts, ok := m.balances[asset]
	if !ok {
		accounts = make(map[[20]byte]*big.Int)
		m.balances[asset] = accounts
	}
	current, ok := accounts[addr]
	if !ok {
		current = big.NewInt(0)
	}
	accounts[addr] = new(big.Int).Add(current, big.NewInt(amount))
}

func (m *mockLedger) Transfer(asset string, from, to [20]byte, amount *big.Int) error {
	m.calls++
	if m.failWith != nil {
		return m.failWith
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: amount must be positive")
	}
	available := m.balance(asset, from)
	if available.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: insufficient balance")
	}
	accounts := m.balances[asset]
	if accounts == nil {
		accounts = make(map[[20]byte]*big.Int)
		m.balances[asset] = accounts
	}
	accounts[from] = new(big.Int).Sub(available, amount)
	toBal, ok := accounts[to]
	if !ok {
		toBal = big.NewInt(0)
	}
	accounts[to] = new(big.Int).Add(toBal, amount)
	return nil
}

type allowAllGate struct{}

func (allowAllGate) Require([20]byte) error { return nil }

type denyAllGate struct{}

func (denyAllGate) Require([20]byte) error {
	return fmt.Errorf("%w: gate closed", ErrUnauthorized)
}

type testEnv struct {
	engine    *Engine
	ledger    *mockLedger
	manager   *state.Manager
	collector *events.Collector
	now       int64
	client    [20]byte
	artisan   [20]byte
	custody   [20]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ledger:    newMockLedger(),
		manager:   state.NewManager(storage.NewMemDB()),
		collector: events.NewCollector(64),
		now:       1_000_000,
		client:    newTestAddress(0x01),
		artisan:   newTestAddress(0x02),
		custody:   newTestAddress(0xAA),
	}
	env.engine = NewEngine()
	env.engine.SetStore(env.manager)
	env.engine.SetLedger(env.ledger)
	env.engine.SetCustody(env.custody)
	env.engine.SetEmitter(env.collector)
	env.engine.SetNowFunc(func() int64 { return env.now })
	env.manager.SetNowFunc(func() int64 { return env.now })
	return env
}

func (env *testEnv) clientGate() Authorizer  { return CallerGate(env.client) }
func (env *testEnv) artisanGate() Authorizer { return CallerGate(env.artisan) }

func (env *testEnv) mustInitialize(t *testing.T, deadline uint64) uint64 {
	t.Helper()
	id, err := env.engine.Initialize(env.client, env.artisan, "USDX", big.NewInt(500), deadline)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return id
}

func TestInitializeValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name     string
		client   [20]byte
		artisan  [20]byte
		asset    string
		amount   *big.Int
		deadline uint64
	}{
		{name: "same parties", client: env.client, artisan: env.client, asset: "USDX", amount: big.NewInt(500)},
		{name: "nil amount", client: env.client, artisan: env.artisan, asset: "USDX", amount: nil},
		{name: "zero amount", client: env.client, artisan: env.artisan, asset: "USDX", amount: big.NewInt(0)},
		{name: "negative amount", client: env.client, artisan: env.artisan, asset: "USDX", amount: big.NewInt(-1)},
		{name: "bad asset", client: env.client, artisan: env.artisan, asset: "bad asset!", amount: big.NewInt(500)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.engine.Initialize(tc.client, tc.artisan, tc.asset, tc.amount, tc.deadline); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	// The counter never moved: the first legal engagement still gets id 1.
	id := env.mustInitialize(t, uint64(env.now)+86_400)
	if id != 1 {
		t.Fatalf("expected first id 1 after failed attempts, got %d", id)
	}
}

func TestInitializeAllocatesStrictlyIncreasingIDs(t *testing.T) {
	env := newTestEnv(t)
	deadline := uint64(env.now) + 86_400
	seen := make(map[uint64]bool)
	prev := uint64(0)
	for i := 0; i < 5; i++ {
		id := env.mustInitialize(t, deadline)
		if seen[id] {
			t.Fatalf("id %d repeated", id)
		}
		if id <= prev {
			t.Fatalf("ids not strictly increasing: %d after %d", id, prev)
		}
		seen[id] = true
		prev = id
	}
	esc, err := env.engine.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.Status != StatusPending {
		t.Fatalf("expected pending, got %s", esc.Status)
	}
	if esc.CreatedAt != uint64(env.now) {
		t.Fatalf("expected createdAt %d, got %d", env.now, esc.CreatedAt)
	}
}

func TestDepositMovesFundsToCustody(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.mint("USDX", env.client, 800)
	deadline := uint64(env.now) + 86_400
	id := env.mustInitialize(t, deadline)

	if err := env.engine.Deposit(id, "usdx"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := env.ledger.balance("USDX", env.custody); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("custody balance = %s, want 500", got)
	}
	if got := env.ledger.balance("USDX", env.client); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("client balance = %s, want 300", got)
	}
	esc, err := env.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.Status != StatusFunded {
		t.Fatalf("expected funded, got %s", esc.Status)
	}
}

func TestDepositGuards(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.mint("USDX", env.client, 800)
	deadline := uint64(env.now) + 86_400
	id := env.mustInitialize(t, deadline)

	if err := env.engine.Deposit(99, "USDX"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := env.engine.Deposit(id, "XLM"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation on asset mismatch, got %v", err)
	}

	env.now = int64(deadline) + 1
	if err := env.engine.Deposit(id, "USDX"); !errors.Is(err, ErrDeadline) {
		t.Fatalf("expected ErrDeadline past deadline, got %v", err)
	}
	env.now = int64(deadline)
	if err := env.engine.Deposit(id, "USDX"); err != nil {
		t.Fatalf("deposit at deadline boundary: %v", err)
	}
	if err := env.engine.Deposit(id, "USDX"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double deposit, got %v", err)
	}
}

func TestDepositTransferFailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	// Client holds less than the escrow amount.
	env.ledger.mint("USDX", env.client, 100)
	id := env.mustInitialize(t, uint64(env.now)+86_400)

	err := env.engine.Deposit(id, "USDX")
	if err == nil {
		t.Fatal("expected transfer failure")
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidState) || errors.Is(err, ErrDeadline) {
		t.Fatalf("ledger error must propagate unchanged, got %v", err)
	}
	esc, getErr := env.engine.Get(id)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if esc.Status != StatusPending {
		t.Fatalf("status mutated on failed deposit: %s", esc.Status)
	}
	if got := env.ledger.balance("USDX", env.client); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("client balance mutated: %s", got)
	}
}

func TestReleasePaysArtisanOnce(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.mint("USDX", env.client, 500)
	deadline := uint64(env.now) + 86_400
	id := env.mustInitialize(t, deadline)
	if err := env.engine.Deposit(id, "USDX"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	env.now += 100
	if err := env.engine.Release(id, "USDX", env.clientGate()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := env.ledger.balance("USDX", env.artisan); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("artisan balance = %s, want 500", got)
	}
	if got := env.ledger.balance("USDX", env.custody); got.Sign() != 0 {
		t.Fatalf("custody balance = %s, want 0", got)
	}
	esc, err := env.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.Status != StatusReleased {
		t.Fatalf("expected released, got %s", esc.Status)
	}
	if err := env.engine.Release(id, "USDX", env.clientGate()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second release must fail with ErrInvalidState, got %v", err)
	}
}

func TestReleaseGuards(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.mint("USDX", env.client, 500)
	deadline := uint64(env.now) + 86_400
	id := env.mustInitialize(t, deadline)

	// Pending, not yet funded.
	if err := env.engine.Release(id, "USDX", env.clientGate()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for pending, got %v", err)
	}
	if err := env.engine.Deposit(id, "USDX"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Release(id, "USDX", denyAllGate{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.Release(id, "USDX", env.artisanGate()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("artisan must not release, got %v", err)
	}
	if err := env.engine.Release(99, "USDX", env.clientGate()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	env.now = int64(deadline) + 1
	if err := env.engine.Release(id, "USDX", env.clientGate()); !errors.Is(err, ErrDeadline) {
		t.Fatalf("past-deadline release must fail with ErrDeadline, got %v", err)
	}
	// Funds stayed in custody for reclaim.
	if got := env.ledger.balance("USDX", env.custody); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("custody balance = %s, want 500", got)
	}
}

func TestReclaimRefundsClientAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.mint("USDX", env.client, 500)
	deadline := uint64(env.now) + 86_400
	id := env.mustInitialize(t, deadline)
	if err := env.engine.Deposit(id, "USDX"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Before and exactly at the deadline reclaim is closed.
	env.now = int64(deadline) - 1
	if _, err := env.engine.Reclaim(id, "USDX", env.clientGate()); !errors.Is(err, ErrDeadline) {
		t.Fatalf("expected ErrDeadline before deadline, got %v", err)
	}
	env.now = int64(deadline)
	if _, err := env.engine.Reclaim(id, "USDX", env.clientGate()); !errors.Is(err, ErrDeadline) {
		t.Fatalf("expected ErrDeadline at deadline, got %v", err)
	}

	env.now = int64(deadline) + 1
	ok, err := env.engine.Reclaim(id, "USDX", env.clientGate())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !ok {
		t.Fatal("reclaim must report success")
	}
	if got := env.ledger.balance("USDX", env.client); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("client balance = %s, want 500", got)
	}
	esc, err := env.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", esc.Status)
	}
	if _, err := env.engine.Reclaim(id, "USDX", env.clientGate()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second reclaim must fail with ErrInvalidState, got %v", err)
	}
}

func TestReclaimGuards(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.mint("USDX", env.client, 500)
	deadline := uint64(env.now) + 86_400
	id := env.mustInitialize(t, deadline)

	if _, err := env.engine.Reclaim(99, "USDX", env.clientGate()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Pending engagement: the status guard fires before the deadline guard.
	env.now = int64(deadline) + 1
	if _, err := env.engine.Reclaim(id, "USDX", env.clientGate()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for pending, got %v", err)
	}
	if _, err := env.engine.Reclaim(id, "USDX", env.artisanGate()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("artisan must not reclaim, got %v", err)
	}
}

func TestConservationAcrossLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.mint("USDX", env.client, 1_000)
	total := func() *big.Int {
		sum := new(big.Int)
		sum.Add(sum, env.ledger.balance("USDX", env.client))
		sum.Add(sum, env.ledger.balance("USDX", env.custody))
		sum.Add(sum, env.ledger.balance("USDX", env.artisan))
		return sum
	}
	want := total()

	deadline := uint64(env.now) + 86_400
	released := env.mustInitialize(t, deadline)
	reclaimed := env.mustInitialize(t, deadline)
	for _, id := range []uint64{released, reclaimed} {
		if err := env.engine.Deposit(id, "USDX"); err != nil {
			t.Fatalf("deposit %d: %v", id, err)
		}
		if got := total(); got.Cmp(want) != 0 {
			t.Fatalf("conservation broken after deposit: %s != %s", got, want)
		}
	}
	if err := env.engine.Release(released, "USDX", env.clientGate()); err != nil {
		t.Fatalf("release: %v", err)
	}
	env.now = int64(deadline) + 1
	if _, err := env.engine.Reclaim(reclaimed, "USDX", env.clientGate()); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if got := total(); got.Cmp(want) != 0 {
		t.Fatalf("conservation broken at end: %s != %s", got, want)
	}
}

func TestLifecycleEmitsEvents(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.mint("USDX", env.client, 500)
	deadline := uint64(env.now) + 86_400
	id := env.mustInitialize(t, deadline)
	if err := env.engine.Deposit(id, "USDX"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	env.now = int64(deadline) + 1
	if _, err := env.engine.Reclaim(id, "USDX", env.clientGate()); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	emitted := env.collector.Since(0)
	wantTypes := []string{EventTypeInitialized, EventTypeFunded, EventTypeReclaimed}
	if len(emitted) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(emitted))
	}
	for i, evt := range emitted {
		if evt.Type != wantTypes[i] {
			t.Fatalf("event %d = %s, want %s", i, evt.Type, wantTypes[i])
		}
		if evt.Attributes["id"] != "1" {
			t.Fatalf("event %d id attribute = %q", i, evt.Attributes["id"])
		}
	}
	reclaimedEvt := emitted[2]
	if reclaimedEvt.Attributes["amount"] != "500" {
		t.Fatalf("reclaimed amount = %q", reclaimedEvt.Attributes["amount"])
	}
	if reclaimedEvt.Attributes["timestamp"] == "" {
		t.Fatal("reclaimed event missing timestamp")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustInitialize(t, uint64(env.now)+86_400)
	esc, err := env.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	esc.Status = StatusReleased
	esc.Amount.SetInt64(1)

	again, err := env.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Status != StatusPending || again.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatal("stored escrow mutated through Get result")
	}
}

func TestWritesRefreshRetentionHints(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustInitialize(t, uint64(env.now)+86_400)

	if _, ok, err := env.manager.Retention(engagementKey(id)); err != nil || !ok {
		t.Fatalf("engagement retention hint missing: ok=%v err=%v", ok, err)
	}
	if _, ok, err := env.manager.Retention(nextIDKey); err != nil || !ok {
		t.Fatalf("counter retention hint missing: ok=%v err=%v", ok, err)
	}
}

// faultyStore fails KVPut for one configured key and delegates everything
// else, simulating a crash between the engine's paired writes.
type faultyStore struct {
	inner   Store
	failKey string
	failErr error
}

func (s *faultyStore) KVGet(key []byte, out interface{}) (bool, error) {
	return s.inner.KVGet(key, out)
}

func (s *faultyStore) KVPut(key []byte, value interface{}) error {
	if s.failKey != "" && string(key) == s.failKey {
		return s.failErr
	}
	return s.inner.KVPut(key, value)
}

func (s *faultyStore) ExtendRetention(key []byte, renewalThreshold, targetRetention uint64) error {
	return s.inner.ExtendRetention(key, renewalThreshold, targetRetention)
}

func TestInitializeFailedRecordWriteNeverReusesID(t *testing.T) {
	env := newTestEnv(t)
	store := &faultyStore{inner: env.manager}
	env.engine.SetStore(store)
	deadline := uint64(env.now) + 86_400

	first := env.mustInitialize(t, deadline)
	if first != 1 {
		t.Fatalf("first id = %d, want 1", first)
	}

	store.failKey = string(engagementKey(2))
	store.failErr = fmt.Errorf("disk full")
	if _, err := env.engine.Initialize(env.client, env.artisan, "USDX", big.NewInt(700), deadline); err == nil {
		t.Fatal("expected record write failure to surface")
	}

	store.failKey = ""
	next := env.mustInitialize(t, deadline)
	if next == first {
		t.Fatalf("id %d handed out twice after a failed write", first)
	}
	if next != 3 {
		t.Fatalf("next id = %d, want 3 (failed attempt skips its id)", next)
	}
	kept, err := env.engine.Get(first)
	if err != nil {
		t.Fatalf("get original engagement: %v", err)
	}
	if kept.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("original engagement overwritten: amount = %s", kept.Amount)
	}
}

func TestDepositFailedWriteReturnsFunds(t *testing.T) {
	env := newTestEnv(t)
	store := &faultyStore{inner: env.manager}
	env.engine.SetStore(store)
	id := env.mustInitialize(t, uint64(env.now)+86_400)
	env.ledger.mint("USDX", env.client, 500)

	store.failKey = string(engagementKey(id))
	store.failErr = fmt.Errorf("disk full")
	if err := env.engine.Deposit(id, "USDX"); err == nil {
		t.Fatal("expected record write failure to surface")
	}
	if got := env.ledger.balance("USDX", env.client); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("client balance after failed deposit = %s, want 500", got)
	}
	if got := env.ledger.balance("USDX", env.custody); got.Sign() != 0 {
		t.Fatalf("custody balance after failed deposit = %s, want 0", got)
	}
	esc, err := env.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.Status != StatusPending {
		t.Fatalf("status after failed deposit = %s, want %s", esc.Status, StatusPending)
	}

	store.failKey = ""
	if err := env.engine.Deposit(id, "USDX"); err != nil {
		t.Fatalf("retry deposit: %v", err)
	}
	if got := env.ledger.balance("USDX", env.custody); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("custody holds %s after retry, want exactly 500", got)
	}
	if got := env.ledger.balance("USDX", env.client); got.Sign() != 0 {
		t.Fatalf("client balance after retry = %s, want 0", got)
	}
}

func TestReleaseFailedWriteReturnsFundsToCustody(t *testing.T) {
	env := newTestEnv(t)
	store := &faultyStore{inner: env.manager}
	env.engine.SetStore(store)
	id := env.mustInitialize(t, uint64(env.now)+86_400)
	env.ledger.mint("USDX", env.client, 500)
	if err := env.engine.Deposit(id, "USDX"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	store.failKey = string(engagementKey(id))
	store.failErr = fmt.Errorf("disk full")
	if err := env.engine.Release(id, "USDX", env.clientGate()); err == nil {
		t.Fatal("expected record write failure to surface")
	}
	if got := env.ledger.balance("USDX", env.custody); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("custody balance after failed release = %s, want 500", got)
	}
	if got := env.ledger.balance("USDX", env.artisan); got.Sign() != 0 {
		t.Fatalf("artisan balance after failed release = %s, want 0", got)
	}
	esc, err := env.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.Status != StatusFunded {
		t.Fatalf("status after failed release = %s, want %s", esc.Status, StatusFunded)
	}

	store.failKey = ""
	if err := env.engine.Release(id, "USDX", env.clientGate()); err != nil {
		t.Fatalf("retry release: %v", err)
	}
	if got := env.ledger.balance("USDX", env.artisan); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("artisan holds %s after retry, want exactly 500", got)
	}
}
