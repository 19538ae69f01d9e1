// Package message defines the wire-level unit of communication between agents in a guild
// and the identifier scheme that orders it.
//
// # Overview
//
// Every message travels inside an Envelope. Envelopes are addressed either to topics
// (fan-out to every subscriber) or to an explicit recipient list (direct addressing through
// each recipient's inbox topic). Envelopes carry an opaque JSON payload together with a
// stable format tag so that receivers can pick a decoder without a shared schema registry.
//
// # Ordering
//
// Envelope IDs are 64-bit values produced by a Generator. Ascending ID order is delivery
// order:
//
//	| 41 bits logical ms since Epoch | 3 bits priority | 8 bits node | 12 bits sequence |
//
// Identifiers from a later millisecond window always sort after identifiers from an earlier
// one. Within one window a higher priority sorts first, and within one priority the sequence
// keeps a single producer FIFO.
//
// # Threading
//
// InResponseTo always points at the immediate parent and CurrentThreadID is inherited
// unchanged along a causal chain. A root envelope anchors its own thread. Transports treat
// both fields as opaque cargo.
//
// # Usage Example
//
//	gen := message.NewGenerator(1)
//	payload, _ := message.EncodePayload(message.TextFormat{Text: "hello"})
//	env := message.New(gen.Next(message.PriorityNormal), sender, message.FormatText, payload,
//		message.DefaultTopic)
//
//	reply := message.Reply(env, gen.Next(env.Priority), self, message.FormatText, payload)
//	// reply.InResponseTo == env.ID, reply.CurrentThreadID == env.CurrentThreadID
package message
