package reputation

import (
	"errors"
	"fmt"
	"time"
)

// keyedStore abstracts the subset of state manager functionality required by
// the rating ledger.
type keyedStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	ratingPrefix = []byte("reputation/rating/")
	statsPrefix  = []byte("reputation/stats/")
)

var (
	// ErrScoreOutOfRange marks scores outside the 1..5 star range.
	ErrScoreOutOfRange = errors.New("reputation: score out of range")
	// ErrDuplicateRating is returned when a rater rates the same engagement
	// twice.
	ErrDuplicateRating = errors.New("reputation: engagement already rated by caller")
)

func ratingKey(ratee [20]byte, engagement uint64, rater [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x/%d/%x", ratingPrefix, ratee, engagement, rater))
}

func statsKey(ratee [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", statsPrefix, ratee))
}

// Ledger persists ratings and keeps a running per-ratee aggregate.
type Ledger struct {
	store keyedStore
	nowFn func() int64
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store keyedStore) *Ledger {
	return &Ledger{
		store: store,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the wall clock used for submission timestamps.
// Primarily leveraged in tests to provide deterministic timestamps.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil {
		return
	}
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() uint64 {
	if l == nil || l.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	ts := l.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// SubmitRating stores the rating and folds it into the ratee's aggregate. A
// rater can rate a given engagement at most once.
func (l *Ledger) SubmitRating(rating *Rating) error {
	if l == nil || l.store == nil {
		return errors.New("reputation: storage unavailable")
	}
	if err := rating.Validate(); err != nil {
		return err
	}
	key := ratingKey(rating.Ratee, rating.Engagement, rating.Rater)
	exists, err := l.store.KVGet(key, nil)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateRating
	}
	stored := *rating
	stored.SubmittedAt = l.now()
	if err := l.store.KVPut(key, &stored); err != nil {
		return err
	}
	stats := Stats{}
	if _, err := l.store.KVGet(statsKey(rating.Ratee), &stats); err != nil {
		return err
	}
	stats.Sum += uint64(rating.Score)
	stats.Count++
	return l.store.KVPut(statsKey(rating.Ratee), &stats)
}

// GetRating returns the stored rating for (ratee, engagement, rater).
func (l *Ledger) GetRating(ratee [20]byte, engagement uint64, rater [20]byte) (*Rating, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errors.New("reputation: storage unavailable")
	}
	rating := &Rating{}
	ok, err := l.store.KVGet(ratingKey(ratee, engagement, rater), rating)
	if err != nil || !ok {
		return nil, false, err
	}
	return rating, true, nil
}

// GetStats reports the ratee's aggregate: average scaled by 100 and the
// rating count. A ratee with no ratings reads as (0, 0).
func (l *Ledger) GetStats(ratee [20]byte) (uint32, uint32, error) {
	if l == nil || l.store == nil {
		return 0, 0, errors.New("reputation: storage unavailable")
	}
	stats := Stats{}
	if _, err := l.store.KVGet(statsKey(ratee), &stats); err != nil {
		return 0, 0, err
	}
	return stats.AverageTimes100(), stats.Count, nil
}
