package logstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/time/rate"

	"github.com/AlexBischof/mewbase/internal/frame"
	"github.com/AlexBischof/mewbase/internal/observability"
	"github.com/AlexBischof/mewbase/internal/protoerr"
)

// defaultZeroFillRate is the zero-fill pacing used when Open isn't given an
// explicit limiter: generous enough to not matter on a lightly loaded
// server. Open's fillLimiter parameter is the single choke point for a
// tighter limit; internal/config has no setting for it.
const defaultZeroFillRate = 200 * 1024 * 1024 // bytes/sec

// AppendFuture is resolved once a PUBLISH has been durably persisted,
// matching the append() contract of §4.4: the caller's issue ordinal is
// assigned at call time, not completion time, so the future only ever
// carries the assigned record number or a persistence error.
type AppendFuture struct {
	done    chan struct{}
	record  int64
	err     error
	resolve sync.Once
}

func newAppendFuture() *AppendFuture {
	return &AppendFuture{done: make(chan struct{})}
}

// Wait blocks until the append completes and returns the assigned record
// number, or a persistence error (§7: "Persistence failure").
func (a *AppendFuture) Wait() (int64, error) {
	<-a.done
	return a.record, a.err
}

// Done returns a channel closed once the append completes, so the caller
// can select on it alongside other events instead of blocking.
func (a *AppendFuture) Done() <-chan struct{} {
	return a.done
}

func (a *AppendFuture) settle(record int64, err error) {
	a.resolve.Do(func() {
		a.record = record
		a.err = err
		close(a.done)
	})
}

// Channel is one channel's append-only log: a numbered sequence of
// fixed-size files of framed records (§3), exposing the append/read
// contract of §4.4.
//
// Appends are serialized through a single mutex; this matches the
// single-writer nature of a channel in the source system and lets
// multiple connections publish to the same channel concurrently without
// corrupting the file layout.
type Channel struct {
	mu sync.Mutex

	logsDir      string
	name         string
	maxChunkSize int64
	logger       *observability.CoreLogger
	fillLimiter  *rate.Limiter

	head       *os.File
	headNumber int64
	nextRecord int64
	writePos   int64
}

// Open opens (or creates, if absent) the channel's log directory state,
// recovering the write position by locating the head file and walking it
// to the tail, per §4.3's "recovery-time discovery of the tail" and S3 in
// §8.
//
// fillLimiter paces zero-fill writes when a new head file is allocated
// (§4.2); passing nil uses defaultZeroFillRate with a burst equal to one
// zero-fill chunk.
func Open(logsDir, name string, maxChunkSize int64, logger *observability.CoreLogger, fillLimiter *rate.Limiter) (*Channel, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("logstore: mkdir %s: %w", logsDir, err)
	}

	headNumber, err := CheckAndGetLastFile(logsDir, name, maxChunkSize)
	if err != nil {
		return nil, err
	}

	if fillLimiter == nil {
		fillLimiter = rate.NewLimiter(rate.Limit(defaultZeroFillRate), zeroFillChunk)
	}

	c := &Channel{
		logsDir:      logsDir,
		name:         name,
		maxChunkSize: maxChunkSize,
		logger:       logger,
		fillLimiter:  fillLimiter,
		headNumber:   headNumber,
	}

	path := FilePath(logsDir, name, headNumber)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		f, err := createHeadFile(path, maxChunkSize, 0, c.fillLimiter)
		if err != nil {
			return nil, err
		}
		c.head = f
		c.nextRecord = 0
		c.writePos = HeaderSize
		return c, nil
	}

	coord, err := CoordOfLastRecord(logsDir, name, headNumber)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logstore: open head file %s: %w", path, err)
	}
	c.head = f

	c.nextRecord = coord.RecordNumber + 1
	next, err := skipOneRecord(f, coord.ByteOffset, maxChunkSize)
	if err != nil {
		return nil, err
	}
	if next == 0 {
		if coord.ByteOffset == HeaderSize {
			// Head file exists but is empty (only the header was written):
			// the next record is the file's first, right after the header.
			c.writePos = HeaderSize
			return c, nil
		}
		return nil, protoerr.Newf("logstore: channel %q: could not locate tail of head file", name).Fatal()
	}
	c.writePos = next
	return c, nil
}

// Close closes the channel's head file handle.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head == nil {
		return nil
	}
	err := c.head.Close()
	c.head = nil
	return err
}

// Append persists ev to the channel log and returns a future resolving
// to the assigned record number, per the append() contract of §4.4.
//
// Append performs the write synchronously inside the call (there is no
// asynchronous storage backend here), but always returns a future so
// callers uniformly treat persistence as asynchronous per §4.4/§5 —
// this is what lets the connection engine assign the response's issue
// ordinal at call time regardless of how fast persistence actually is.
func (c *Channel) Append(ev *frame.Frame) *AppendFuture {
	future := newAppendFuture()

	c.mu.Lock()
	defer c.mu.Unlock()

	record, err := c.appendLocked(ev)
	future.settle(record, err)
	return future
}

func (c *Channel) appendLocked(ev *frame.Frame) (int64, error) {
	var payload bufAppendWriter
	if err := ev.Encode(&payload); err != nil {
		return 0, fmt.Errorf("logstore: encode record: %w", err)
	}

	recordSize := int64(FrameSize + len(payload.buf))
	if c.writePos+recordSize > c.maxChunkSize {
		if err := c.rollLocked(); err != nil {
			return 0, err
		}
	}

	frameBuf := make([]byte, FrameSize+len(payload.buf))
	binary.LittleEndian.PutUint32(frameBuf[:checksumSize], crcChecksum(payload.buf))
	binary.LittleEndian.PutUint32(frameBuf[checksumSize:FrameSize], uint32(len(payload.buf)))
	copy(frameBuf[FrameSize:], payload.buf)

	if _, err := c.head.WriteAt(frameBuf, c.writePos); err != nil {
		return 0, protoerr.Enrichf(err, "logstore: write record to %s", FileName(c.name, c.headNumber))
	}
	if err := c.head.Sync(); err != nil {
		return 0, protoerr.Enrichf(err, "logstore: fsync %s", FileName(c.name, c.headNumber))
	}

	record := c.nextRecord
	c.nextRecord++
	c.writePos += recordSize
	return record, nil
}

// rollLocked closes out the current head file (it is already at its full
// allocated size so nothing further to do to it) and opens a fresh,
// zero-filled head file for the next chunk of records.
func (c *Channel) rollLocked() error {
	if err := c.head.Close(); err != nil {
		return fmt.Errorf("logstore: close filled file %s: %w", FileName(c.name, c.headNumber), err)
	}

	c.headNumber++
	path := FilePath(c.logsDir, c.name, c.headNumber)
	f, err := createHeadFile(path, c.maxChunkSize, c.nextRecord, c.fillLimiter)
	if err != nil {
		return err
	}
	c.head = f
	c.writePos = HeaderSize

	c.logger.CaptureInfo("logstore: rolled channel to new log file",
		"channel", c.name, "file", c.headNumber, "first_record", c.nextRecord)
	return nil
}

// HeadRecord returns the next record number that will be assigned, i.e.
// one past the last durable record.
func (c *Channel) HeadRecord() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextRecord
}

// ReadAt decodes the record at the given coordinate.
func (c *Channel) ReadAt(coord FileCoord) (*frame.Frame, error) {
	path := FilePath(c.logsDir, c.name, coord.FileNumber)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("logstore: open %s: %w", path, err)
	}
	defer f.Close()

	hdr := make([]byte, FrameSize)
	if _, err := f.ReadAt(hdr, coord.ByteOffset); err != nil {
		return nil, fmt.Errorf("logstore: read record header at %d: %w", coord.ByteOffset, err)
	}
	length := binary.LittleEndian.Uint32(hdr[checksumSize:])
	if length == 0 {
		return nil, fmt.Errorf("logstore: no record at %d in %s", coord.ByteOffset, path)
	}

	payload := make([]byte, length)
	if _, err := f.ReadAt(payload, coord.ByteOffset+FrameSize); err != nil {
		return nil, fmt.Errorf("logstore: read record payload at %d: %w", coord.ByteOffset, err)
	}

	want := crcChecksum(payload)
	got := binary.LittleEndian.Uint32(hdr[:checksumSize])
	if want != got {
		return nil, protoerr.Newf("logstore: checksum mismatch for record at %d in %s", coord.ByteOffset, path).Fatal()
	}

	return frame.Decode(payload)
}

// CoordOfRecord resolves recordNumber to a coordinate within this channel.
func (c *Channel) CoordOfRecord(recordNumber int64) (FileCoord, error) {
	return CoordOfRecord(c.logsDir, c.name, recordNumber)
}

// bufAppendWriter is a tiny growable byte sink, avoiding a bytes.Buffer
// dependency for the hot append path.
type bufAppendWriter struct {
	buf []byte
}

func (w *bufAppendWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
