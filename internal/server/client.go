package server

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"time"

	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/query"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// idleTimeout bounds how long a client may hold a connection open between
// two requests before it is dropped; postfix opens a fresh connection per
// delegation round-trip in practice, but nothing in the protocol forbids a
// slow or idle peer from never sending anything.
const idleTimeout = 5 * time.Minute

// maxBlockSize caps how many bytes readBlock accumulates while waiting for
// a terminating blank line. A well-formed policy query is a few hundred
// bytes; a peer that never sends "\n\n" would otherwise grow the buffer
// without bound.
const maxBlockSize = 64 << 10

// errOverBudget is the distinct error kind for a block that exceeded
// maxBlockSize before being terminated (spec §7 "over-budget"), separate
// from a well-formed-but-unterminated read error or a malformed block.
var errOverBudget = errors.Str("attribute block exceeded the size ceiling")

// client owns one accepted connection end to end: it reads postfix
// attribute blocks off the wire, hands each one to the filter engine, and
// writes back the "action=" reply. One goroutine per client, the direct
// analogue of start_client_t/run_client_t in
// original_source/common/server.h, collapsed onto Go's native concurrency
// instead of the edge-triggered event loop described there (see
// SPEC_FULL.md §4 REDESIGN).
type client struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	engine *engineHandle
	fc     *filter.Context

	log *zap.Logger
}

// engineHandle is the subset of wiring a client needs from the running
// daemon: a getter for the current filter engine, which can change across
// a SIGHUP reload.
type engineHandle struct {
	Engine func() *filter.Engine
}

func newClient(conn net.Conn, engine *engineHandle, fc *filter.Context, log *zap.Logger) *client {
	return &client{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 8<<10),
		writer: bufio.NewWriterSize(conn, 4<<10),
		engine: engine,
		fc:     fc,
		log:    log,
	}
}

// serve reads and answers policy queries until the connection is closed by
// the peer, an I/O error occurs, or ctx is cancelled (daemon shutdown).
func (c *client) serve(ctx context.Context) {
	defer c.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		block, err := c.readBlock()
		if err != nil {
			if c.log != nil {
				if errors.Is(err, errOverBudget) {
					c.log.Warn("dropping client over size ceiling", zap.Error(err))
				} else {
					c.log.Debug("connection closed", zap.Error(err))
				}
			}
			return
		}

		if err := c.handle(ctx, block); err != nil {
			if c.log != nil {
				c.log.Warn("query handling failed", zap.Error(err))
			}
			return
		}
	}
}

// readBlock reads lines until a blank line terminates the attribute block
// (the wire framing spec §4.2 and §6 describe: "\n\n" ends one request),
// returning the block without its trailing blank line.
func (c *client) readBlock() ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := c.reader.ReadBytes('\n')
		if len(line) > 0 {
			buf.Write(line)
		}
		if buf.Len() > maxBlockSize {
			return nil, errOverBudget
		}
		if err != nil {
			return nil, err
		}
		if bytes.HasSuffix(buf.Bytes(), []byte("\n\n")) {
			return buf.Bytes()[:buf.Len()-1], nil
		}
	}
}

func (c *client) handle(ctx context.Context, block []byte) error {
	q, err := query.Parse(block)
	if err != nil {
		// A malformed block always drops the connection (spec §7); there
		// is no well-formed query to answer with a reply.
		return err
	}

	c.fc.ResetForInstance(q.Instance())

	eng := c.engine.Engine()
	reply, err := eng.Run(ctx, q, c.fc)
	if err != nil {
		reply = filter.DefaultReply
	}

	cfg := eng.Config()
	return c.writeReply(q, cfg, reply)
}

func (c *client) writeReply(q *query.Query, cfg *filter.Config, reply string) error {
	c.writer.WriteString("action=")

	formatted := query.Format(q, reply)
	c.writer.WriteString(formatted)

	if cfg != nil && cfg.IncludeExplanation {
		if exp := c.fc.Explanation(); exp != "" {
			c.writer.WriteString(": ")
			c.writer.WriteString(exp)
		}
	}
	c.writer.WriteString("\n\n")

	_ = c.conn.SetWriteDeadline(time.Now().Add(idleTimeout))
	return c.writer.Flush()
}
