package node

import (
	"bufio"
	"context"
	"log"
	"net"

	"github.com/terrastore-go/terrastore/internal/auth"
	"github.com/terrastore-go/terrastore/internal/command"
	"github.com/terrastore-go/terrastore/internal/store"
	"github.com/terrastore-go/terrastore/internal/wire"
)

// Listener is the accepting half of the Node transport: it hands each
// inbound connection a JWT handshake check and then dispatches framed
// commands to the local Store, the RemoteNode/Connect counterpart. It
// plays the role server/cluster.go's Cluster.start (rpc.Register +
// rpc.Accept) plays for the reference server's RPC listener.
type Listener struct {
	ln          net.Listener
	auth        *auth.ClusterAuth
	clusterName string
	env         func() command.StoreEnv
	logger      *log.Logger
}

// Listen binds addr and returns a Listener ready to Serve. env is called
// once per request so it always reflects the node's current Store/
// Registry/LocalView, not a snapshot taken at bind time.
func Listen(addr, clusterName string, a *auth.ClusterAuth, env func() command.StoreEnv, logger *log.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{ln: ln, auth: a, clusterName: clusterName, env: env, logger: logger}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled or Close is called.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) Close() error { return l.ln.Close() }

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	var handshakeBody interface{}
	tag, err := wire.ReadFrame(reader, &handshakeBody)
	if err != nil {
		l.logger.Printf("node: handshake read failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	if tag != wire.TagHandshake {
		l.logger.Printf("node: expected handshake from %s, got tag %d", conn.RemoteAddr(), tag)
		return
	}
	token, _ := handshakeBody.(string)
	claims, err := l.auth.Authenticate(token)
	if err != nil || claims.Cluster != l.clusterName {
		l.logger.Printf("node: handshake rejected from %s: %v", conn.RemoteAddr(), err)
		wire.WriteReplyErr(conn, store.ErrorMessage{Code: store.BadRequest, Message: "handshake rejected"})
		return
	}
	if err := wire.WriteReplyOK(conn, true); err != nil {
		return
	}

	for {
		var body interface{}
		if _, err := wire.ReadFrame(reader, &body); err != nil {
			return
		}

		cmd, ok := body.(command.StoreCommand)
		if !ok {
			wire.WriteReplyErr(conn, store.ErrorMessage{Code: store.BadRequest, Message: "unrecognized command"})
			continue
		}

		result, err := cmd.ExecuteOnStore(ctx, l.env())
		if err != nil {
			if werr := wire.WriteReplyErr(conn, store.ToErrorMessage(err)); werr != nil {
				return
			}
			continue
		}
		if werr := wire.WriteReplyOK(conn, result); werr != nil {
			return
		}
	}
}
