// Package docbinding implements the document-binding/query contract that
// the connection engine's QUERY handling is generic over (§4.4, §4.7):
// a named Binder resolves either a single document by id or a
// parameterized, streamed query, and a bounded LRU keeps recently
// resolved binders warm instead of reopening one per QUERY; cursors are
// opened per QUERY and not cached.
package docbinding

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/AlexBischof/mewbase/internal/frame"
)

// Binder resolves documents exposed under one binder name.
type Binder interface {
	// Get looks up a single document by id for the single-shot
	// `(binder, docID)` QUERY form.
	Get(docID string) (*frame.Frame, bool, error)

	// Open starts a streamed query for the `(queryName, params)` QUERY
	// form, returning a Cursor the caller drives with Next.
	Open(queryName string, params *frame.Frame) (Cursor, error)
}

// Cursor is a document read-stream backing a registered QueryExecution.
type Cursor interface {
	// Next returns the next result and whether it is the last one. When
	// last is true, the caller sends QUERYRESULT with last=true and
	// retires the QueryExecution; ok=false with no error means the
	// cursor is exhausted with no further result to send.
	Next() (result *frame.Frame, last bool, ok bool, err error)
	Close() error
}

// QueryExecution is a live streamed query registered on a connection
// per §3 ("queries: map<query_id -> QueryExecution>"), tracking the
// cursor and the byte credit forwarded by QUERYACK.
type QueryExecution struct {
	QueryID int32
	Binder  string
	cursor  Cursor

	mu      sync.Mutex
	credit  int64
	closed  bool
}

// NewQueryExecution wraps a cursor as a registered query execution with
// the given initial byte credit.
func NewQueryExecution(queryID int32, binder string, cursor Cursor, initialCredit int64) *QueryExecution {
	return &QueryExecution{QueryID: queryID, Binder: binder, cursor: cursor, credit: initialCredit}
}

// Ack forwards byte credit per the QUERYACK frame (§4.7: "forward byte
// credit to the QueryExecution").
func (q *QueryExecution) Ack(bytes int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.credit += bytes
}

// Next returns the next result if credit allows, charging its encoded
// size against the query's credit.
func (q *QueryExecution) Next() (result *frame.Frame, last bool, ok bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, false, false, nil
	}
	credit := q.credit
	q.mu.Unlock()

	if credit <= 0 {
		return nil, false, false, nil
	}

	result, last, ok, err = q.cursor.Next()
	if err != nil || !ok {
		return result, last, ok, err
	}

	q.mu.Lock()
	q.credit -= weigh(result)
	q.mu.Unlock()
	return result, last, ok, nil
}

// Close retires the query execution and its cursor.
func (q *QueryExecution) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.cursor.Close()
}

// Manager resolves binder names to Binder implementations and keeps a
// bounded LRU of most-recently-used binders warm, per the DOMAIN STACK
// entry for golang-lru: avoids re-resolving/reopening a binder's
// backing resources on every QUERY.
type Manager struct {
	factories map[string]func() (Binder, error)
	cache     *lru.Cache
}

// NewManager builds a Manager with the given binder factories and an LRU
// of at most cacheSize live binders.
func NewManager(cacheSize int, factories map[string]func() (Binder, error)) (*Manager, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("docbinding: new lru: %w", err)
	}
	return &Manager{factories: factories, cache: cache}, nil
}

// Register adds or replaces the factory for name. Used to wire binders
// (like "$admin") that depend on state not available until after the
// Manager itself has been constructed.
func (m *Manager) Register(name string, factory func() (Binder, error)) {
	m.factories[name] = factory
}

// Resolve returns the Binder for name, constructing and caching it on
// first use.
func (m *Manager) Resolve(name string) (Binder, error) {
	if v, ok := m.cache.Get(name); ok {
		return v.(Binder), nil
	}

	factory, ok := m.factories[name]
	if !ok {
		return nil, fmt.Errorf("docbinding: unknown binder %q", name)
	}
	binder, err := factory()
	if err != nil {
		return nil, fmt.Errorf("docbinding: open binder %q: %w", name, err)
	}
	m.cache.Add(name, binder)
	return binder, nil
}

func weigh(f *frame.Frame) int64 {
	var w countingWriter
	_ = f.Encode(&w)
	return int64(w.n)
}

type countingWriter struct{ n int }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += len(p)
	return len(p), nil
}
