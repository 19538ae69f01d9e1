package runtime

import (
	"sync"

	"github.com/dyluth/guild/pkg/guild"
	"github.com/dyluth/guild/pkg/message"
)

// router applies a guild's routing slip to what its agents publish. Rule uses are
// counted per thread; envelopes published outside any delivery share the zero thread.
type router struct {
	slip *guild.RoutingSlip

	mu    sync.Mutex
	fired map[routeKey]int
	order []routeKey
	limit int
}

type routeKey struct {
	thread message.ID
	step   int
}

func newRouter(slip *guild.RoutingSlip, limit int) *router {
	if limit <= 0 {
		limit = defaultThreadMemory
	}
	return &router{slip: slip.Clone(), fired: make(map[routeKey]int), limit: limit}
}

// route returns the destination of the first matching rule with uses left in the thread
// of origin, and counts the use.
func (r *router) route(sender message.AgentTag, format string, origin *message.Envelope) (*guild.RoutingDestination, bool) {
	if r == nil || r.slip.IsEmpty() {
		return nil, false
	}
	var thread message.ID
	if origin != nil {
		thread = origin.ThreadID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slip.Steps {
		rule := &r.slip.Steps[i]
		if !rule.Matches(sender, format, origin) {
			continue
		}
		key := routeKey{thread: thread, step: i}
		times := rule.Times()
		if times != guild.RouteUnlimited && r.fired[key] >= times {
			continue
		}
		r.count(key)
		return &rule.Destination, true
	}
	return nil, false
}

func (r *router) count(key routeKey) {
	if _, ok := r.fired[key]; !ok {
		if len(r.order) >= r.limit {
			delete(r.fired, r.order[0])
			r.order = r.order[1:]
		}
		r.order = append(r.order, key)
	}
	r.fired[key]++
}
