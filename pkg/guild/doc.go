// Package guild defines the declarative specification of a guild, its lifecycle status and
// the error taxonomy shared by the orchestration runtime.
//
// A GuildSpec names a set of agents that share one messaging backend and one execution
// engine. Specs are normalized by Normalize against an explicit Defaults value before they
// are persisted, so a stored spec always carries a messaging configuration, an execution
// engine selector and the merged dependency map.
package guild
