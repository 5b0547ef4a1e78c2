// Package link keeps long-lived TCP sessions to field devices.
//
// A Registry maps an endpoint identity to the single Connection that may
// be connecting or open for it. GetOrCreate inserts the Connection and
// only then dials, under one lock, so concurrent callers for the same
// identity share one socket and wait on the same attempt.
//
// Every Connection is one attempt. Its lifecycle is a small state machine:
//
//	connecting ──established──▶ open ──close──▶ closed
//	     └──────────fail──────────▶ failed
//
// A new attempt always gets a new Connection with a fresh ready channel,
// so a caller waiting on an old attempt never observes a later one.
//
// Each open Connection has exactly one reader goroutine. Inbound bytes are
// passed to the Registry's Handler on that goroutine in arrival order; the
// handler runs to completion before the next read.
//
// Send writes through the current connection with a bounded number of
// attempts and a fixed delay. It fails immediately with ErrNotConnected if
// nothing is registered for the identity.
package link
