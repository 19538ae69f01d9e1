package message

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock returns a generator whose clock is controlled by the test.
func fixedClock(node uint8, start time.Time) (*Generator, *time.Time) {
	current := start
	g := NewGenerator(node)
	g.now = func() time.Time { return current }
	return g, &current
}

func TestGenerator_FieldsRoundTrip(t *testing.T) {
	start := time.UnixMilli(Epoch + 12345)
	g, _ := fixedClock(7, start)

	id := g.Next(PriorityHigh)

	assert.Equal(t, PriorityHigh, id.Priority())
	assert.Equal(t, uint8(7), id.Node())
	assert.Equal(t, uint16(0), id.Sequence())
	assert.Equal(t, Epoch+12345, id.TimestampMs())
}

func TestGenerator_HigherPriorityFirstWithinWindow(t *testing.T) {
	g, _ := fixedClock(1, time.UnixMilli(Epoch+1000))

	low := g.Next(PriorityLow)
	normal := g.Next(PriorityNormal)
	urgent := g.Next(PriorityUrgent)

	assert.Less(t, uint64(urgent), uint64(normal))
	assert.Less(t, uint64(normal), uint64(low))
}

func TestGenerator_LaterWindowSortsAfter(t *testing.T) {
	g, now := fixedClock(1, time.UnixMilli(Epoch+1000))

	lowEarly := g.Next(PriorityLowest)
	*now = now.Add(time.Millisecond)
	urgentLater := g.Next(PriorityUrgent)

	assert.Less(t, uint64(lowEarly), uint64(urgentLater))
}

func TestGenerator_FIFOWithinPriority(t *testing.T) {
	g, _ := fixedClock(1, time.UnixMilli(Epoch+1000))

	var ids []ID
	for i := 0; i < 100; i++ {
		ids = append(ids, g.Next(PriorityNormal))
	}

	for i := 1; i < len(ids); i++ {
		assert.Less(t, uint64(ids[i-1]), uint64(ids[i]), "id %d should sort after id %d", i, i-1)
	}
}

func TestGenerator_ClockRegressionNeverReorders(t *testing.T) {
	g, now := fixedClock(1, time.UnixMilli(Epoch+5000))

	first := g.Next(PriorityNormal)
	*now = now.Add(-2 * time.Second)
	second := g.Next(PriorityNormal)

	assert.Less(t, uint64(first), uint64(second))
	assert.Equal(t, first.TimestampMs(), second.TimestampMs())
}

func TestGenerator_SequenceExhaustionAdvancesWindow(t *testing.T) {
	g, _ := fixedClock(1, time.UnixMilli(Epoch+5000))

	var last ID
	for i := 0; i <= maxSequence+1; i++ {
		id := g.Next(PriorityNormal)
		if i > 0 {
			require.Less(t, uint64(last), uint64(id))
		}
		last = id
	}

	assert.Equal(t, Epoch+5001, last.TimestampMs())
	assert.Equal(t, uint16(0), last.Sequence())
}

func TestGenerator_InvalidPriorityTreatedAsNormal(t *testing.T) {
	g := NewGenerator(0)
	id := g.Next(Priority(42))
	assert.Equal(t, PriorityNormal, id.Priority())
}

func TestGenerator_ConcurrentUnique(t *testing.T) {
	g := NewGenerator(3)

	const producers = 8
	const perProducer = 500

	var mu sync.Mutex
	seen := make(map[ID]bool, producers*perProducer)
	var wg sync.WaitGroup

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]ID, 0, perProducer)
			for i := 0; i < perProducer; i++ {
				local = append(local, g.Next(PriorityNormal))
			}
			// Each producer observes its own ids in increasing order
			assert.True(t, sort.SliceIsSorted(local, func(a, b int) bool { return local[a] < local[b] }))

			mu.Lock()
			for _, id := range local {
				seen[id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, producers*perProducer)
}

func TestID_TextEncoding(t *testing.T) {
	id := ID(1234567890123)

	text, err := id.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1234567890123", string(text))

	var decoded ID
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, id, decoded)

	_, err = ParseID("not-a-number")
	assert.Error(t, err)
}

func TestID_HexOrderMatchesNumericOrder(t *testing.T) {
	a, b := ID(15), ID(256)
	assert.Less(t, a.Hex(), b.Hex())

	parsed, err := ParseHexID(b.Hex())
	require.NoError(t, err)
	assert.Equal(t, b, parsed)
}
