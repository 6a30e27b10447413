package volatility

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
)

// DefaultCapacity is the ring-buffer size used unless the store is
// configured otherwise.
const DefaultCapacity = 24

// PricePoint is one observation in the ring buffer. Price and Return are
// 18-decimal fixed-point values stored as decimal strings; Return is the
// signed relative change against the previous point.
type PricePoint struct {
	Price      string `json:"price"`
	ObservedAt int64  `json:"observed_at"`
	Return     string `json:"return"`
}

// State is the persisted volatility accounting for one order. Points holds
// the full ring serialized as a JSON array; Head indexes the most recently
// written slot and Count is the number of valid entries, capped at the ring
// capacity.
type State struct {
	gorm.Model           `json:"-"`
	OrderID              string `gorm:"uniqueIndex" json:"order_id"`
	Head                 int    `json:"head"`
	Count                int    `json:"count"`
	CurrentVolatilityBps uint64 `json:"current_volatility_bps"`
	FeedDecimals         uint8  `json:"feed_decimals"`
	Points               string `json:"points"` // JSON array of PricePoint
}

// ring is the in-memory working form of the buffer.
type ring struct {
	points   []PricePoint
	head     int
	count    int
	capacity int
}

func newRing(capacity int) ring {
	return ring{points: make([]PricePoint, capacity), capacity: capacity}
}

func decodeRing(s *State, capacity int) (ring, error) {
	r := newRing(capacity)
	r.head = s.Head
	r.count = s.Count
	if s.Points != "" {
		var pts []PricePoint
		if err := json.Unmarshal([]byte(s.Points), &pts); err != nil {
			return ring{}, fmt.Errorf("corrupt price history for order %s: %w", s.OrderID, err)
		}
		copy(r.points, pts)
	}
	return r, nil
}

func (r ring) encode(s *State) error {
	raw, err := json.Marshal(r.points)
	if err != nil {
		return err
	}
	s.Head = r.head
	s.Count = r.count
	s.Points = string(raw)
	return nil
}

// at returns the point at a raw slot index.
func (r ring) at(i int) PricePoint { return r.points[i] }

// push advances the head and writes p, growing count up to capacity.
func (r *ring) push(p PricePoint) {
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
	r.points[r.head] = p
}

// ordered returns the valid entries oldest first.
func (r ring) ordered() []PricePoint {
	out := make([]PricePoint, 0, r.count)
	for k := 0; k < r.count; k++ {
		idx := (r.head - r.count + 1 + k + r.capacity) % r.capacity
		out = append(out, r.points[idx])
	}
	return out
}
