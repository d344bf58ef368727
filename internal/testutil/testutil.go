// Package testutil defines internal support code for writing dispatcher
// tests: a back-to-back Connection pair wired over an in-memory
// channel.Direct, with no transport or process boundary involved.
package testutil

import (
	"testing"

	"github.com/freenas/go-dispatcher"
	"github.com/freenas/go-dispatcher/channel"
)

// Peers holds two Connections wired back-to-back over channel.Direct, the
// shape every end-to-end test scenario in spec.md §8 is built from.
type Peers struct {
	A, B *dispatcher.Connection
}

// Close shuts down both connections.
func (p *Peers) Close() {
	p.A.Close()
	p.B.Close()
}

// NewPeers constructs a Peers pair. aOpts/bOpts may be nil for defaults; set
// Context/Authenticator on whichever side should accept inbound calls.
func NewPeers(aOpts, bOpts *dispatcher.ConnectionOptions) *Peers {
	ca, cb := channel.Direct()
	return &Peers{
		A: dispatcher.NewConnection(ca, aOpts),
		B: dispatcher.NewConnection(cb, bOpts),
	}
}

// MustNewPeers calls NewPeers and registers a cleanup to close both ends.
func MustNewPeers(t *testing.T, aOpts, bOpts *dispatcher.ConnectionOptions) *Peers {
	t.Helper()
	p := NewPeers(aOpts, bOpts)
	t.Cleanup(p.Close)
	return p
}
