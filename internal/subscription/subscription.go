// Package subscription implements the subscription-handle contract of
// §4.5: a lazy, credit-flow-controlled stream of records from a channel
// log, with optional durable cursor persistence and optional matcher
// filtering.
//
// Flow control is modeled on the teacher's concurrency-limiting
// semaphores (internal/filetransfer.Manager's channel-of-struct{}
// semaphore), generalized from a fixed-unit permit count to a
// byte-weighted one via golang.org/x/sync/semaphore, since outstanding
// credit here is measured in bytes delivered, not in a count of
// in-flight operations.
package subscription

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AlexBischof/mewbase/internal/frame"
	"github.com/AlexBischof/mewbase/internal/logstore"
	"github.com/AlexBischof/mewbase/internal/observability"
	"github.com/AlexBischof/mewbase/internal/protoerr"
)

// pollInterval bounds how long the delivery loop waits before re-checking
// a channel's head record when it has caught up to the tail.
const pollInterval = 20 * time.Millisecond

// StartFromNextUnseen is the SubDescriptor.StartPosition sentinel meaning
// "begin delivering at the next record appended after subscribe", per
// §4.5: "start position (-1 means 'from next unseen record')".
const StartFromNextUnseen int64 = -1

// Descriptor describes how a subscription should be created, per §4.5.
type Descriptor struct {
	Channel       string
	StartPosition int64
	StartTimestamp *int64 // unix nanos; nil if unset
	Matcher       *frame.Frame
	DurableID     string // empty if not durable
}

// Deliverer receives records as the subscription pushes them. It is
// called from the subscription's own delivery goroutine (started by
// Start), not from the owning connection's serial execution context.
type Deliverer func(record *frame.Frame, position int64) error

// Handle is a live subscription, per §4.5: credit-flow-controlled
// delivery from a channel log, matcher-filtered, optionally durable.
type Handle struct {
	desc    Descriptor
	channel *logstore.Channel
	logger  *observability.CoreLogger
	deliver Deliverer
	cursorDir string

	credit     *semaphore.Weighted
	maxCredit  int64
	outstanding int64 // bytes currently charged against credit; guarded by mu
	mu          sync.Mutex

	ackedPosition atomic.Int64

	ctx           context.Context
	cancel        context.CancelFunc
	startPosition int64
	done          chan struct{}

	closeOnce sync.Once
}

// New creates a subscription handle and resolves its starting position,
// but does not begin delivering records until Start is called. Splitting
// construction from start lets the caller (connmgr's SUBSCRIBE handler)
// submit the SUBRESPONSE before delivery begins.
// initialCredit is the byte budget the subscriber starts with (the
// configured per-subscription initial credit, §6).
func New(desc Descriptor, channel *logstore.Channel, logsDir string, initialCredit int64, logger *observability.CoreLogger, deliver Deliverer) *Handle {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Handle{
		desc:      desc,
		channel:   channel,
		logger:    logger,
		deliver:   deliver,
		cursorDir: logsDir,
		credit:    semaphore.NewWeighted(initialCredit),
		maxCredit: initialCredit,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	start := desc.StartPosition
	if start == StartFromNextUnseen {
		start = channel.HeadRecord()
	}
	if desc.DurableID != "" {
		if cursor, ok := h.loadCursor(); ok {
			start = cursor
		}
	}
	h.ackedPosition.Store(start - 1)
	h.startPosition = start

	return h
}

// Start launches the subscription's delivery loop. Must be called exactly
// once, after New.
func (h *Handle) Start() {
	go h.run(h.ctx, h.startPosition)
}

// run is the subscription's delivery loop: read records from position
// forward, evaluate the matcher, acquire byte-credit, and deliver.
func (h *Handle) run(ctx context.Context, position int64) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tail := h.channel.HeadRecord()
		if position >= tail {
			// Caught up; park briefly rather than busy-spin. A real
			// deployment would instead be woken by the channel's append
			// path; polling keeps this package free of a pub/sub
			// dependency on logstore.
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
				continue
			}
		}

		coord, err := h.channel.CoordOfRecord(position)
		if err != nil {
			h.logger.CaptureError(protoerr.Enrichf(err, "subscription: resolve coord for %s@%d", h.desc.Channel, position))
			return
		}

		record, err := h.channel.ReadAt(coord)
		if err != nil {
			h.logger.CaptureError(protoerr.Enrichf(err, "subscription: read %s@%d", h.desc.Channel, position))
			return
		}

		if h.desc.Matcher != nil && !matches(h.desc.Matcher, record) {
			position++
			continue
		}

		size := recordWeight(record)
		if err := h.acquireCredit(ctx, size); err != nil {
			return // context canceled (close/unsubscribe)
		}

		if err := h.deliver(record, position); err != nil {
			h.logger.CaptureWarn("subscription: delivery failed, closing", "channel", h.desc.Channel, "position", position, "err", err)
			return
		}

		position++
	}
}

// acquireCredit blocks until size bytes of credit are available,
// tracking how much is currently charged so handle_ack can't release
// more than was ever acquired.
func (h *Handle) acquireCredit(ctx context.Context, size int64) error {
	if size > h.maxCredit {
		// A single record can't ever fit the configured credit; clamp so
		// delivery isn't permanently stuck. This is a deliberate
		// deviation for oversized single records, not a protocol frame.
		size = h.maxCredit
	}
	if err := h.credit.Acquire(ctx, size); err != nil {
		return err
	}
	h.mu.Lock()
	h.outstanding += size
	h.mu.Unlock()
	return nil
}

// HandleAck implements handle_ack from §4.5: replenish byte-credit by
// bytes, up to position, per §8 invariant 3 ("decreases by at most B").
func (h *Handle) HandleAck(position int64, bytes int64) {
	h.mu.Lock()
	release := bytes
	if release > h.outstanding {
		release = h.outstanding
	}
	h.outstanding -= release
	h.mu.Unlock()

	if release > 0 {
		h.credit.Release(release)
	}
	h.ackedPosition.Store(position)
}

// Close implements close() from §4.5: stop delivery; if durable, persist
// the cursor so a future subscription with the same durable id resumes
// from the acked position.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		<-h.done
	})
	if h.desc.DurableID != "" {
		return h.saveCursor(h.ackedPosition.Load() + 1)
	}
	return nil
}

// Unsubscribe implements unsubscribe() from §4.5: close(), additionally
// discarding any durable cursor.
func (h *Handle) Unsubscribe() error {
	h.closeOnce.Do(func() {
		h.cancel()
		<-h.done
	})
	if h.desc.DurableID == "" {
		return nil
	}
	err := os.Remove(h.cursorPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("subscription: remove cursor: %w", err)
	}
	return nil
}

func (h *Handle) cursorPath() string {
	return filepath.Join(h.cursorDir, fmt.Sprintf("%s-%s.cursor", h.desc.Channel, h.desc.DurableID))
}

func (h *Handle) loadCursor() (int64, bool) {
	data, err := os.ReadFile(h.cursorPath())
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (h *Handle) saveCursor(position int64) error {
	tmp := h.cursorPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(position, 10)), 0o644); err != nil {
		return fmt.Errorf("subscription: write cursor: %w", err)
	}
	if err := os.Rename(tmp, h.cursorPath()); err != nil {
		return fmt.Errorf("subscription: persist cursor: %w", err)
	}
	return nil
}

// matches evaluates a matcher frame against the event carried by a
// record: a field-equality predicate per the SUPPLEMENTED FEATURES
// matcher definition — every field present in the matcher must be
// present and Equal in the event. A record persisted by PUBLISH wraps
// the client event in its "event" field; a record with no nested
// "event" frame is matched on its own top-level fields.
func matches(matcher, record *frame.Frame) bool {
	event := record
	if v, ok := record.Get("event"); ok {
		if f, ok := v.AsFrame(); ok {
			event = f
		}
	}
	for name, want := range matcher.Fields {
		got, ok := event.Get(name)
		if !ok || !got.Equal(want) {
			return false
		}
	}
	return true
}

// recordWeight is the byte size charged against credit for delivering
// one record: its encoded size, matching the "bytes" unit ACKEV
// acknowledges in §4.5/§8 S4.
func recordWeight(f *frame.Frame) int64 {
	var w countingWriter
	_ = f.Encode(&w)
	return int64(w.n)
}

type countingWriter struct{ n int }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += len(p)
	return len(p), nil
}
