// Package server implements the connection runtime: accepting postfix
// policy delegation connections over TCP or a Unix socket and running each
// one through the filter engine, one goroutine per connection (spec §4
// REDESIGN; see original_source/common/server.c for the epoll-based
// ancestor this replaces).
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pfixtools/policyd/internal/filter"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// maxUnixPathLen mirrors sockaddr_un's 108-byte buffer, one of which is the
// terminating NUL (spec §6 / main-postlicyd.c's "-L" validation).
const maxUnixPathLen = 107

// Listener accepts connections on one TCP port or Unix socket and drives
// each through the shared filter engine. Multiple Listeners can share one
// Engine (spec §6 allows listening on both a TCP port and a socket file at
// once).
type Listener struct {
	ln  net.Listener
	eng *engineHandle
	log *zap.Logger

	fcPool *freeList[filter.Context]

	wg sync.WaitGroup
}

// NewTCP opens a TCP listener on port, forwarding connections into engine.
func NewTCP(port string, currentEngine func() *filter.Engine, log *zap.Logger) (*Listener, error) {
	const op = errors.Op("server_new_tcp")
	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return newListener(ln, currentEngine, log), nil
}

// NewUnix opens a Unix domain socket listener at path, rejecting paths the
// platform's sockaddr_un cannot represent.
func NewUnix(path string, currentEngine func() *filter.Engine, log *zap.Logger) (*Listener, error) {
	const op = errors.Op("server_new_unix")
	if len(path) > maxUnixPathLen {
		return nil, errors.E(op, errors.Str(fmt.Sprintf("socket path %q exceeds %d characters", path, maxUnixPathLen)))
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return newListener(ln, currentEngine, log), nil
}

func newListener(ln net.Listener, currentEngine func() *filter.Engine, log *zap.Logger) *Listener {
	return &Listener{
		ln:  ln,
		eng: &engineHandle{Engine: currentEngine},
		log: log,
		fcPool: newFreeList(
			func() *filter.Context { return filter.NewContext() },
			func(fc *filter.Context) { fc.ResetForInstance("") },
		),
	}
}

// Addr returns the listener's bound network address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed, spawning one goroutine per client (spec §4 REDESIGN:
// "goroutine-per-connection"). It returns once every spawned client
// goroutine has exited.
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
				l.wg.Wait()
				return nil
			default:
			}
			if l.log != nil {
				l.log.Warn("accept failed", zap.Error(err))
			}
			l.wg.Wait()
			return errors.E(errors.Op("server_serve"), err)
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(ctx, conn)
		}()
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	fc := l.fcPool.get()
	defer l.fcPool.put(fc)

	var connLog *zap.Logger
	if l.log != nil {
		connLog = l.log.With(
			zap.String("conn", uuid.NewString()),
			zap.String("remote", conn.RemoteAddr().String()),
		)
	}

	c := newClient(conn, l.eng, fc, connLog)
	c.serve(ctx)
}

// Close stops accepting new connections without waiting for in-flight
// clients to finish; callers that need a clean shutdown should cancel the
// context passed to Serve instead and let it drain l.wg.
func (l *Listener) Close() error {
	return l.ln.Close()
}
