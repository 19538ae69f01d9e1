// Package messaging delivers envelopes between the agents of a guild.
//
// A Backend fans an envelope out to every subscriber of each of its topics, or to the
// inbox of each recipient when the envelope is directly addressed. For one
// (topic, subscriber) pair, pending envelopes are handed over one at a time in ID order,
// which makes the backend the single authority on delivery order.
//
// Two backends are built in:
//
//   - in_memory: per-pair min-heaps drained by one goroutine each.
//   - redis: per-pair sorted sets of fixed-width hex IDs, woken through Pub/Sub.
//
// Handler failures are retried with exponential backoff. Envelopes that exhaust their
// attempts become dead letters: they are logged, counted, handed to Options.OnDeadLetter
// and listed in the ShutdownReport.
package messaging
