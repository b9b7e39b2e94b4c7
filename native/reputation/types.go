package reputation

import "errors"

const (
	// MinScore and MaxScore bound a single rating.
	MinScore uint8 = 1
	MaxScore uint8 = 5
)

// Rating captures one star rating a rater submitted for a ratee after an
// engagement completed.
type Rating struct {
	Engagement  uint64
	Rater       [20]byte
	Ratee       [20]byte
	Score       uint8
	SubmittedAt uint64
}

// Validate ensures the rating payload is well formed.
func (r *Rating) Validate() error {
	if r == nil {
		return errors.New("reputation: rating nil")
	}
	if r.Rater == ([20]byte{}) {
		return errors.New("reputation: rater required")
	}
	if r.Ratee == ([20]byte{}) {
		return errors.New("reputation: ratee required")
	}
	if r.Rater == r.Ratee {
		return errors.New("reputation: rater and ratee must differ")
	}
	if r.Score < MinScore || r.Score > MaxScore {
		return ErrScoreOutOfRange
	}
	return nil
}

// Stats is the running aggregate kept per ratee.
type Stats struct {
	Sum   uint64
	Count uint32
}

// AverageTimes100 reports the mean score scaled by 100 so integer consumers
// keep two decimal places (a 4.5 average reads as 450).
func (s Stats) AverageTimes100() uint32 {
	if s.Count == 0 {
		return 0
	}
	return uint32(s.Sum * 100 / uint64(s.Count))
}
