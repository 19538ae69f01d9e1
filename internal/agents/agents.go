// Package agents holds the example agent implementations shipped with guildd.
package agents

import (
	"github.com/dyluth/guild/internal/runtime"
)

// Implementation selectors.
const (
	EchoName    = "echo"
	CounterName = "counter"
	KVName      = "kv"
)

// Register adds every example agent to r.
func Register(r *runtime.AgentRegistry) {
	r.MustRegister(EchoName, NewEcho)
	r.MustRegister(CounterName, NewCounter)
	r.MustRegister(KVName, NewKV)
}

// Registry returns a registry holding the example agents.
func Registry() *runtime.AgentRegistry {
	r := runtime.NewAgentRegistry()
	Register(r)
	return r
}
