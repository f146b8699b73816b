package connmgr

import (
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"

	"github.com/AlexBischof/mewbase/internal/docbinding"
	"github.com/AlexBischof/mewbase/internal/frame"
	"github.com/AlexBischof/mewbase/internal/observability"
	"github.com/AlexBischof/mewbase/internal/protoerr"
	"github.com/AlexBischof/mewbase/internal/respqueue"
	"github.com/AlexBischof/mewbase/internal/subscription"
)

// action is a closure that must run on the connection's single dispatch
// goroutine; it is how an asynchronous completion "rebinds to the
// connection's context" per §5.
type action func(c *Connection)

// Connection is one client connection's protocol engine: the state of
// §3 ("Connection state") plus the dispatch loop of §4.7.
//
// Context affinity (§5) is enforced structurally: authorised, subSeq,
// writeSeq, respQueue, subscriptions and queries are touched only inside
// the goroutine running serve()/dispatch loop. Anything completing off
// that goroutine (an append future, a subscription delivery) must post
// an action instead of touching these fields directly.
type Connection struct {
	id     string
	conn   net.Conn
	server *Server
	logger *observability.CoreLogger

	actions chan action
	writeCh chan []byte
	done    chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once

	// --- dispatch-goroutine-only state below ---

	authorised bool
	subSeq     int32
	writeSeq   int64
	respQueue  *respqueue.Queue

	subscriptions map[int32]*subscription.Handle
	queries       map[int32]*docbinding.QueryExecution
}

func newConnection(id string, conn net.Conn, server *Server, logger *observability.CoreLogger) *Connection {
	return &Connection{
		id:            id,
		conn:          conn,
		server:        server,
		logger:        logger,
		actions:       make(chan action, 64),
		writeCh:       make(chan []byte, 64),
		done:          make(chan struct{}),
		respQueue:     respqueue.New(),
		subscriptions: make(map[int32]*subscription.Handle),
		queries:       make(map[int32]*docbinding.QueryExecution),
	}
}

// serve runs the connection's three cooperating loops until the
// connection closes: reading/decoding frames, writing queued bytes, and
// the serial dispatch loop that owns all protocol state.
func (c *Connection) serve() {
	defer close(c.done)

	frames := make(chan *frame.Frame, 64)
	readErr := make(chan error, 1)

	go func() {
		readErr <- c.readLoop(frames)
		close(frames)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.dispatchLoop(frames)

	c.Close()
	wg.Wait()

	if err := <-readErr; err != nil && err != io.EOF {
		c.logger.CaptureWarn("connmgr: connection read loop ended", "connId", c.id, "err", err)
	}
}

func (c *Connection) readLoop(out chan<- *frame.Frame) error {
	scanner := frame.NewScanner(c.conn)
	for scanner.Scan() {
		f, err := frame.Decode(scanner.Bytes())
		if err != nil {
			return err
		}
		out <- f
	}
	return scanner.Err()
}

func (c *Connection) writeLoop() {
	for buf := range c.writeCh {
		if _, err := c.conn.Write(buf); err != nil {
			return
		}
	}
}

// dispatchLoop is the connection's single serial execution context: it
// alternates between inbound frames and actions posted by async
// completions, and is the only goroutine allowed to touch protocol
// state.
func (c *Connection) dispatchLoop(frames <-chan *frame.Frame) {
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			if !c.handleFrame(f) {
				return
			}
		case act, ok := <-c.actions:
			if !ok {
				return
			}
			act(c)
		}
	}
}

// postAction schedules fn to run on the dispatch loop. Safe to call from
// any goroutine; this is how completions "rebind to the connection's
// context" per §5. It is a no-op once the connection has closed.
func (c *Connection) postAction(fn action) {
	if c.closed.Load() {
		return
	}
	select {
	case c.actions <- fn:
	case <-c.done:
	}
}

// Close implements §4.8: mark unauthorised, close the transport, remove
// from the registry, and close every registered subscription and query.
//
// The source this protocol is drawn from does not iterate
// subscriptions on close (only queries); a subscription left open at
// connection teardown would never flush its durable cursor. That is
// corrected here: Close always tears down both maps.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.authorised = false

		for id, sub := range c.subscriptions {
			if err := sub.Close(); err != nil {
				c.logger.CaptureWarn("connmgr: error closing subscription on connection close", "connId", c.id, "subId", id, "err", err)
			}
		}
		for id, q := range c.queries {
			if err := q.Close(); err != nil {
				c.logger.CaptureWarn("connmgr: error closing query on connection close", "connId", c.id, "queryId", id, "err", err)
			}
		}

		_ = c.conn.Close()
		close(c.writeCh)
		c.server.remove(c.id)
	})
}

// writeDirect sends a non-response frame (subscription delivery, query
// result) straight to the transport, bypassing the ordered-response
// serializer per §4.6.
func (c *Connection) writeDirect(f *frame.Frame) {
	wire, err := f.EncodeWire()
	if err != nil {
		c.logger.CaptureError(protoerr.Enrichf(err, "connmgr: encode %s frame", f.Kind))
		return
	}
	select {
	case c.writeCh <- wire:
	case <-c.done:
	}
}

// nextWriteSeq assigns the next issue ordinal for a sequenced response,
// per §3's write_seq. Wraparound is fatal (§3, §8 invariant re: sub_seq
// applies equally to write_seq).
func (c *Connection) nextWriteSeq() (int64, bool) {
	if c.writeSeq == math.MaxInt64 {
		return 0, false
	}
	order := c.writeSeq
	c.writeSeq++
	return order, true
}

// submitResponse implements the ordered-response serializer's submit()
// from §4.6: buf becomes writeable immediately if order is next, else it
// waits on the heap for the gap to close.
func (c *Connection) submitResponse(order int64, f *frame.Frame) {
	wire, err := f.EncodeWire()
	if err != nil {
		c.logger.CaptureError(protoerr.Enrichf(err, "connmgr: encode %s response", f.Kind))
		return
	}
	ready := c.respQueue.Submit(order, wire)
	for _, buf := range ready {
		select {
		case c.writeCh <- buf:
		case <-c.done:
			return
		}
	}
}

// fatal logs err and closes the connection with no response, per §7's
// "Protocol-fatal" error kind.
func (c *Connection) fatal(err error) bool {
	c.logger.CaptureError(protoerr.Enrichf(err, "connmgr: protocol-fatal error").Fatal())
	return false
}
