package message

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Epoch is the origin of the logical millisecond clock embedded in IDs (2024-01-01T00:00:00Z).
const Epoch int64 = 1704067200000

const (
	sequenceBits  = 12
	nodeBits      = 8
	priorityBits  = 3
	timestampBits = 41

	nodeShift      = sequenceBits
	priorityShift  = sequenceBits + nodeBits
	timestampShift = sequenceBits + nodeBits + priorityBits

	maxSequence  = 1<<sequenceBits - 1
	maxTimestamp = 1<<timestampBits - 1
)

// ID is a globally ordered envelope identifier. See the package documentation for the layout.
type ID uint64

// Timestamp returns the wall-clock time of the window the ID was generated in.
func (id ID) Timestamp() time.Time {
	return time.UnixMilli(id.TimestampMs())
}

// TimestampMs returns the Unix millisecond of the window the ID was generated in.
func (id ID) TimestampMs() int64 {
	return int64(uint64(id)>>timestampShift) + Epoch
}

// Priority returns the priority encoded in the ID.
func (id ID) Priority() Priority {
	return Priority((uint64(id) >> priorityShift) & (1<<priorityBits - 1))
}

// Node returns the generator node encoded in the ID.
func (id ID) Node() uint8 {
	return uint8((uint64(id) >> nodeShift) & (1<<nodeBits - 1))
}

// Sequence returns the per-window sequence number encoded in the ID.
func (id ID) Sequence() uint16 {
	return uint16(uint64(id) & maxSequence)
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id == 0
}

// String returns the decimal form of the ID.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Hex returns a fixed-width hexadecimal form whose lexicographic order equals ID order.
func (id ID) Hex() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// MarshalText encodes the ID in decimal so that JSON clients never lose precision.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes a decimal ID.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses the decimal form of an ID.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q: %w", s, err)
	}
	return ID(v), nil
}

// ParseHexID parses the fixed-width hexadecimal form produced by Hex.
func ParseHexID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex message id %q: %w", s, err)
	}
	return ID(v), nil
}

// Generator produces IDs for one node. It is safe for concurrent use.
type Generator struct {
	mu     sync.Mutex
	node   uint8
	lastMs int64
	seq    uint64
	now    func() time.Time
}

// NewGenerator creates a generator for the given node number.
func NewGenerator(node uint8) *Generator {
	return &Generator{
		node:   node,
		lastMs: -1,
		now:    time.Now,
	}
}

// Next returns the next ID for the given priority. Priorities outside the closed set are
// treated as PriorityNormal.
//
// Next never fails. The logical clock never runs backwards: a wall clock that regresses
// keeps the previous window, and an exhausted sequence moves the logical clock one
// millisecond ahead. Exhausting the timestamp field is a fatal condition and panics.
func (g *Generator) Next(p Priority) ID {
	if p.Validate() != nil {
		p = PriorityNormal
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli() - Epoch
	if ms < 0 {
		ms = 0
	}

	if ms <= g.lastMs {
		ms = g.lastMs
		g.seq++
		if g.seq > maxSequence {
			ms++
			g.seq = 0
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms

	if ms > maxTimestamp {
		panic("message: id generator timestamp space exhausted")
	}

	return ID(uint64(ms)<<timestampShift |
		uint64(p)<<priorityShift |
		uint64(g.node)<<nodeShift |
		g.seq)
}
