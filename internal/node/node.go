// Package node implements the transport abstraction: LocalNode
// dispatches commands through a bounded worker pool, RemoteNode carries
// them over a framed TCP connection. Both satisfy command.NodeSender so
// the router and the command protocol never need to know which kind of
// node they're talking to.
package node

import (
	"context"
	"sync"

	"github.com/terrastore-go/terrastore/internal/command"
	"github.com/terrastore-go/terrastore/internal/ensemble"
)

// State is a Node's connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Node is the common surface the router and discovery manager use. Local
// node is distinguished by having no transport: Connect/Disconnect are
// no-ops.
type Node interface {
	command.NodeSender
	Name() string
	Host() string
	Port() int
	State() State
	Connect(ctx context.Context) error
	Disconnect()
}

// stateBox is a small concurrency-safe holder for RemoteNode's
// Disconnected/Connected/Failed state. LocalNode does not use it; it
// always reports Connected.
type stateBox struct {
	mu    sync.RWMutex
	state State
}

func (s *stateBox) get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *stateBox) set(v State) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

// MemberOf returns the Member triple describing n, for View construction.
func MemberOf(n Node) ensemble.Member {
	return ensemble.Member{Name: n.Name(), Host: n.Host(), Port: n.Port()}
}
