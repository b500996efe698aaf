package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/terrastore-go/terrastore/internal/auth"
	"github.com/terrastore-go/terrastore/internal/command"
	"github.com/terrastore-go/terrastore/internal/identity"
	"github.com/terrastore-go/terrastore/internal/store"
	"github.com/terrastore-go/terrastore/internal/wire"
)

// defaultReconnect mirrors the reference server's defaultClusterReconnect
// (server/cluster.go): the backoff between failed reconnect attempts.
const defaultReconnect = 200 * time.Millisecond

// RemoteNode is a client's connection to another node's Listener, the
// transport half of the Node interface that LocalNode doesn't need. It
// generalizes ClusterNode from server/cluster.go: the same dial-call-
// reconnect shape, over this package's framed wire protocol instead of
// net/rpc, with a JWT handshake
// in place of the reference server's unauthenticated cluster RPC.
type RemoteNode struct {
	stateBox

	mu           sync.Mutex
	conn         net.Conn
	reader       *bufio.Reader
	reconnecting bool
	failCount    int

	name, host string
	port       int
	address    string

	clusterName   string
	auth          *auth.ClusterAuth
	ringSignature func() string
	fingerprint   identity.Fingerprint

	done chan struct{}
}

// NewRemoteNode builds a node pointed at host:port, not yet connected.
// Connect must be called (directly, or implicitly via the reconnect loop
// started by Connect's caller) before Send will succeed.
func NewRemoteNode(name, host string, port int, clusterName string, a *auth.ClusterAuth, ringSignature func() string) *RemoteNode {
	return &RemoteNode{
		name:          name,
		host:          host,
		port:          port,
		address:       fmt.Sprintf("%s:%d", host, port),
		clusterName:   clusterName,
		auth:          a,
		ringSignature: ringSignature,
		fingerprint:   identity.New(),
		done:          make(chan struct{}, 1),
	}
}

func (n *RemoteNode) Name() string { return n.name }
func (n *RemoteNode) Host() string { return n.host }
func (n *RemoteNode) Port() int    { return n.port }

// Connect dials the peer and performs the JWT handshake. On failure it
// leaves the node Disconnected and starts
// a background reconnect loop, mirroring ClusterNode.reconnect's
// fire-and-forget retry.
func (n *RemoteNode) Connect(ctx context.Context) error {
	if err := n.dial(ctx); err != nil {
		go n.reconnectLoop()
		return err
	}
	return nil
}

func (n *RemoteNode) dial(ctx context.Context) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", n.address)
	if err != nil {
		return fmt.Errorf("node: dial %s: %w", n.address, err)
	}

	token, err := n.auth.GenSecret(n.clusterName, n.name, n.ringSignature())
	if err != nil {
		conn.Close()
		return fmt.Errorf("node: mint handshake token: %w", err)
	}
	if err := wire.WriteFrame(conn, wire.TagHandshake, token); err != nil {
		conn.Close()
		return fmt.Errorf("node: send handshake: %w", err)
	}

	reader := bufio.NewReader(conn)
	var ack interface{}
	if err := wire.ReadReply(reader, &ack); err != nil {
		conn.Close()
		return fmt.Errorf("node: handshake rejected: %w", err)
	}

	n.mu.Lock()
	n.conn = conn
	n.reader = reader
	n.mu.Unlock()
	n.set(Connected)
	return nil
}

func (n *RemoteNode) reconnectLoop() {
	n.mu.Lock()
	if n.reconnecting {
		n.mu.Unlock()
		return
	}
	n.reconnecting = true
	n.mu.Unlock()

	ticker := time.NewTicker(defaultReconnect)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), defaultReconnect)
		err := n.dial(ctx)
		cancel()
		if err == nil {
			n.mu.Lock()
			n.reconnecting = false
			n.mu.Unlock()
			return
		}

		select {
		case <-ticker.C:
		case <-n.done:
			n.mu.Lock()
			n.reconnecting = false
			n.mu.Unlock()
			return
		}
	}
}

// Send writes cmd as a frame and waits for its reply, tearing the
// connection down and kicking off a reconnect on any transport error —
// the same failure handling ClusterNode.call applies around endpoint.Call.
func (n *RemoteNode) Send(ctx context.Context, cmd command.StoreCommand) (interface{}, error) {
	n.mu.Lock()
	conn, reader := n.conn, n.reader
	connected := n.get() == Connected
	n.mu.Unlock()

	if !connected || conn == nil {
		return nil, fmt.Errorf("node: %q not connected", n.name)
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}

	tag, err := tagFor(cmd)
	if err != nil {
		return nil, err
	}

	var body interface{} = cmd
	if err := wire.WriteFrame(conn, tag, body); err != nil {
		n.failAndReconnect()
		return nil, fmt.Errorf("node: send to %q: %w", n.name, err)
	}

	var result interface{}
	if err := wire.ReadReply(reader, &result); err != nil {
		var em store.ErrorMessage
		if errors.As(err, &em) {
			// A carried ErrorMessage is a valid application-level reply,
			// not a transport failure; don't reconnect for it.
			return nil, err
		}
		n.failAndReconnect()
		return nil, fmt.Errorf("node: read reply from %q: %w", n.name, err)
	}
	return result, nil
}

func (n *RemoteNode) failAndReconnect() {
	n.mu.Lock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
		n.reader = nil
	}
	n.failCount++
	n.mu.Unlock()
	n.set(Failed)
	go n.reconnectLoop()
}

// Disconnect closes the connection and stops any running reconnect loop.
// Safe to call more than once.
func (n *RemoteNode) Disconnect() {
	select {
	case n.done <- struct{}{}:
	default:
	}
	n.mu.Lock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
		n.reader = nil
	}
	n.mu.Unlock()
	n.set(Disconnected)
}

func tagFor(cmd command.StoreCommand) (wire.Tag, error) {
	switch cmd.(type) {
	case *command.AddBucket:
		return wire.TagAddBucket, nil
	case *command.RemoveBucket:
		return wire.TagRemoveBucket, nil
	case *command.PutValue:
		return wire.TagPutValue, nil
	case *command.RemoveValue:
		return wire.TagRemoveValue, nil
	case *command.GetValue:
		return wire.TagGetValue, nil
	case *command.GetValues:
		return wire.TagGetValues, nil
	case *command.GetKeys:
		return wire.TagGetKeys, nil
	case *command.GetBuckets:
		return wire.TagGetBuckets, nil
	case *command.RangeQuery:
		return wire.TagRangeQuery, nil
	case *command.UpdateCmd:
		return wire.TagUpdate, nil
	case *command.Membership:
		return wire.TagMembership, nil
	default:
		return 0, fmt.Errorf("node: unroutable command type %T", cmd)
	}
}
