package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"artisanpay/core/events"
)

var (
	errNilStore  = errors.New("escrow engine: store not configured")
	errNilLedger = errors.New("escrow engine: ledger not configured")
	errNilGate   = errors.New("escrow engine: authorization gate required")
)

// Retention hint tiers applied to every successful escrow and counter write.
// Records within the renewal threshold of expiring are pushed out to the
// target retention; this is storage hygiene only and never deletes data.
const (
	retentionRenewalThreshold uint64 = 7 * 24 * 60 * 60
	retentionTarget           uint64 = 30 * 24 * 60 * 60
)

var nextIDKey = []byte("escrow/next-id")

func engagementKey(id uint64) []byte {
	return []byte(fmt.Sprintf("escrow/engagement/%d", id))
}

// Store is the durable keyed store the engine persists through.
type Store interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	ExtendRetention(key []byte, renewalThreshold, targetRetention uint64) error
}

// Ledger moves a fixed amount of an asset between two principals atomically.
// Every invocation may fail, and a failure is the sole reason an otherwise
// legal transition aborts.
type Ledger interface {
	Transfer(asset string, from, to [20]byte, amount *big.Int) error
}

// Authorizer confirms that the supplied principal authorized the current
// call. Implementations wrap ErrUnauthorized on refusal.
type Authorizer interface {
	Require(principal [20]byte) error
}

// Engine owns the escrow engagement lifecycle: record shape, id allocation
// and the Pending -> Funded -> {Released | Refunded} transitions. Mutating
// operations are serialized by an internal mutex so the keyed store and the
// counter never observe interleaved writes.
type Engine struct {
	mu      sync.Mutex
	store   Store
	ledger  Ledger
	emitter events.Emitter
	custody [20]byte
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetStore configures the keyed store backend used by the engine.
func (e *Engine) SetStore(store Store) { e.store = store }

// SetLedger configures the value transfer ledger used by the engine.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetCustody configures the custodial principal that holds funded amounts
// between Deposit and Release/Reclaim.
func (e *Engine) SetCustody(addr [20]byte) { e.custody = addr }

// Custody returns the custodial principal address.
func (e *Engine) Custody() [20]byte { return e.custody }

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	esc := &Escrow{}
	ok, err := e.store.KVGet(engagementKey(id), esc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	key := engagementKey(esc.ID)
	if err := e.store.KVPut(key, esc); err != nil {
		return err
	}
	return e.store.ExtendRetention(key, retentionRenewalThreshold, retentionTarget)
}

func (e *Engine) checkAssetMatches(esc *Escrow, asset string) error {
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if normalized != esc.Asset {
		return fmt.Errorf("%w: engagement %d is denominated in %s, not %s", ErrValidation, esc.ID, esc.Asset, normalized)
	}
	return nil
}

// Initialize registers a new engagement and returns its id. Ids are allocated
// from a persisted counter starting at 1 and are never reused. Registration
// requires no authorization; funding, not registration, is the commitment
// point.
func (e *Engine) Initialize(client, artisan [20]byte, asset string, amount *big.Int, deadline uint64) (uint64, error) {
	if e == nil || e.store == nil {
		return 0, errNilStore
	}
	if client == artisan {
		return 0, fmt.Errorf("%w: client and artisan must differ", ErrValidation)
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := uint64(0)
	ok, err := e.store.KVGet(nextIDKey, &next)
	if err != nil {
		return 0, err
	}
	if !ok || next == 0 {
		next = 1
	}
	// The counter advances before the record is written: a failure between
	// the two puts skips an id instead of handing it out twice.
	if err := e.store.KVPut(nextIDKey, next+1); err != nil {
		return 0, err
	}
	if err := e.store.ExtendRetention(nextIDKey, retentionRenewalThreshold, retentionTarget); err != nil {
		return 0, err
	}
	esc := &Escrow{
		ID:        next,
		Client:    client,
		Artisan:   artisan,
		Asset:     normalized,
		Amount:    new(big.Int).Set(amount),
		Deadline:  deadline,
		CreatedAt: e.now(),
		Status:    StatusPending,
	}
	if err := e.storeEscrow(esc); err != nil {
		return 0, err
	}
	e.emit(NewInitializedEvent(esc))
	return next, nil
}

// settle moves the amount, flips the status and persists the record. A record
// write failure returns the funds to the source so the previous state stays
// consistent and the operation can be retried.
func (e *Engine) settle(esc *Escrow, from, to [20]byte, status Status) error {
	if err := e.ledger.Transfer(esc.Asset, from, to, esc.Amount); err != nil {
		return err
	}
	previous := esc.Status
	esc.Status = status
	if err := e.storeEscrow(esc); err != nil {
		esc.Status = previous
		if undoErr := e.ledger.Transfer(esc.Asset, to, from, esc.Amount); undoErr != nil {
			return errors.Join(err, fmt.Errorf("escrow: return funds after failed write: %w", undoErr))
		}
		return err
	}
	return nil
}

// Deposit funds a pending engagement by moving its amount from the client to
// the custodial principal. Funding an engagement whose deadline has already
// passed is rejected. The ledger transfer is the authorization point for the
// client's funds; no separate gate check happens here.
func (e *Engine) Deposit(id uint64, asset string) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	if e.ledger == nil {
		return errNilLedger
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.checkAssetMatches(esc, asset); err != nil {
		return err
	}
	if e.now() > esc.Deadline {
		return fmt.Errorf("%w: funding window closed at %d", ErrDeadline, esc.Deadline)
	}
	if esc.Status != StatusPending {
		return fmt.Errorf("%w: cannot deposit while %s", ErrInvalidState, esc.Status)
	}
	if err := e.settle(esc, esc.Client, e.custody, StatusFunded); err != nil {
		return err
	}
	e.emit(NewFundedEvent(esc))
	return nil
}

// Release pays a funded engagement out to the artisan. Only the client may
// release, and only while the deadline has not passed; past-deadline funds
// move through Reclaim instead.
func (e *Engine) Release(id uint64, asset string, gate Authorizer) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if gate == nil {
		return errNilGate
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := gate.Require(esc.Client); err != nil {
		return err
	}
	if err := e.checkAssetMatches(esc, asset); err != nil {
		return err
	}
	if e.now() > esc.Deadline {
		return fmt.Errorf("%w: release window closed at %d", ErrDeadline, esc.Deadline)
	}
	if esc.Status != StatusFunded {
		return fmt.Errorf("%w: cannot release while %s", ErrInvalidState, esc.Status)
	}
	if err := e.settle(esc, e.custody, esc.Artisan, StatusReleased); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(esc))
	return nil
}

// Reclaim returns a funded engagement's amount to the client once the
// deadline has passed without a release. Only the client may reclaim. The
// operation either fully succeeds, returning true, or aborts with no state
// change.
func (e *Engine) Reclaim(id uint64, asset string, gate Authorizer) (bool, error) {
	if e == nil || e.store == nil {
		return false, errNilStore
	}
	if e.ledger == nil {
		return false, errNilLedger
	}
	if gate == nil {
		return false, errNilGate
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return false, err
	}
	if err := gate.Require(esc.Client); err != nil {
		return false, err
	}
	if err := e.checkAssetMatches(esc, asset); err != nil {
		return false, err
	}
	if esc.Status != StatusFunded {
		return false, fmt.Errorf("%w: cannot reclaim while %s", ErrInvalidState, esc.Status)
	}
	now := e.now()
	if now <= esc.Deadline {
		return false, fmt.Errorf("%w: reclaim opens after %d", ErrDeadline, esc.Deadline)
	}
	if err := e.settle(esc, e.custody, esc.Client, StatusRefunded); err != nil {
		return false, err
	}
	e.emit(NewReclaimedEvent(esc, now))
	return true, nil
}

// Get returns a copy of the engagement record.
func (e *Engine) Get(id uint64) (*Escrow, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}
