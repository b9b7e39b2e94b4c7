package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

var (
	// ErrInsufficientBalance is returned when the source account cannot cover
	// the transfer amount.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInvalidAmount marks transfers and mints with a non-positive amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInvalidAsset marks malformed asset symbols.
	ErrInvalidAsset = errors.New("ledger: invalid asset symbol")
)

var accountPrefix = []byte("ledger/account/")

// keyedStore abstracts the subset of state manager functionality required by
// the ledger.
type keyedStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type assetBalance struct {
	Asset  string
	Amount *big.Int
}

type accountRecord struct {
	Balances []assetBalance
}

// Ledger is the in-process value transfer ledger. It keeps per-asset account
// balances in the keyed store and moves value atomically with respect to its
// own mutex: a transfer either debits and credits both sides or leaves the
// accounts untouched.
type Ledger struct {
	mu    sync.Mutex
	store keyedStore
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store keyedStore) *Ledger {
	return &Ledger{store: store}
}

// NormalizeAsset canonicalises an asset symbol: trimmed, uppercased, 1 to 16
// characters drawn from A-Z and 0-9.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if len(trimmed) == 0 || len(trimmed) > 16 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, symbol)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: %q", ErrInvalidAsset, symbol)
		}
	}
	return trimmed, nil
}

func accountKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", accountPrefix, addr))
}

func (l *Ledger) loadAccount(addr [20]byte) (*accountRecord, error) {
	record := &accountRecord{}
	ok, err := l.store.KVGet(accountKey(addr), record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &accountRecord{}, nil
	}
	return record, nil
}

func (l *Ledger) storeAccount(addr [20]byte, record *accountRecord) error {
	return l.store.KVPut(accountKey(addr), record)
}

func (r *accountRecord) balance(asset string) *big.Int {
	for _, entry := range r.Balances {
		if entry.Asset == asset {
			if entry.Amount == nil {
				return big.NewInt(0)
			}
			return new(big.Int).Set(entry.Amount)
		}
	}
	return big.NewInt(0)
}

func (r *accountRecord) setBalance(asset string, amount *big.Int) {
	for i, entry := range r.Balances {
		if entry.Asset == asset {
			r.Balances[i].Amount = new(big.Int).Set(amount)
			return
		}
	}
	r.Balances = append(r.Balances, assetBalance{Asset: asset, Amount: new(big.Int).Set(amount)})
}

// Balance reports the current balance of the account for the asset. Unknown
// accounts and assets read as zero.
func (l *Ledger) Balance(addr [20]byte, asset string) (*big.Int, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("ledger: storage unavailable")
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record, err := l.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return record.balance(normalized), nil
}

// Transfer moves amount of asset from one account to the other. The call
// fails without touching either account when the source balance is
// insufficient or the arguments are malformed.
func (l *Ledger) Transfer(asset string, from, to [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return errors.New("ledger: storage unavailable")
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return fmt.Errorf("ledger: transfer endpoints must differ")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fromAcc, err := l.loadAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := l.loadAccount(to)
	if err != nil {
		return err
	}
	available := fromAcc.balance(normalized)
	if available.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, normalized)
	}
	fromAcc.setBalance(normalized, new(big.Int).Sub(available, amount))
	toAcc.setBalance(normalized, new(big.Int).Add(toAcc.balance(normalized), amount))
	if err := l.storeAccount(from, fromAcc); err != nil {
		return err
	}
	return l.storeAccount(to, toAcc)
}

// Mint credits the account with new supply of the asset. Intended for genesis
// seeding and tests only; nothing on the request path mints.
func (l *Ledger) Mint(addr [20]byte, asset string, amount *big.Int) error {
	if l == nil || l.store == nil {
		return errors.New("ledger: storage unavailable")
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record, err := l.loadAccount(addr)
	if err != nil {
		return err
	}
	record.setBalance(normalized, new(big.Int).Add(record.balance(normalized), amount))
	return l.storeAccount(addr, record)
}
