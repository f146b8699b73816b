package docbinding_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexBischof/mewbase/internal/docbinding"
	"github.com/AlexBischof/mewbase/internal/frame"
	"github.com/AlexBischof/mewbase/internal/logstore"
	"github.com/AlexBischof/mewbase/internal/observability"
)

func TestAdminBinderGetReturnsChannelDoc(t *testing.T) {
	dir := t.TempDir()
	logger := observability.NewNoOpLogger()
	ch, err := logstore.Open(dir, "orders", 1<<20, logger, nil)
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Append(frame.New("EVENT").Set("i", frame.Int64(0))).Wait()
	require.NoError(t, err)

	channels := map[string]*logstore.Channel{"orders": ch}
	binder := docbinding.NewAdminBinder(
		func() []string { return []string{"orders"} },
		func(name string) (*logstore.Channel, bool) { c, ok := channels[name]; return c, ok },
	)

	doc, ok, err := binder.Get("orders")
	require.NoError(t, err)
	require.True(t, ok)
	v, ok := doc.Get("headRecord")
	require.True(t, ok)
	n, ok := v.AsInt64()
	require.True(t, ok)
	assert.Equal(t, int64(1), n)

	_, ok, err = binder.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdminBinderOpenStreamsChannels(t *testing.T) {
	dir := t.TempDir()
	logger := observability.NewNoOpLogger()
	ch, err := logstore.Open(dir, "orders", 1<<20, logger, nil)
	require.NoError(t, err)
	defer ch.Close()

	binder := docbinding.NewAdminBinder(
		func() []string { return []string{"orders"} },
		func(name string) (*logstore.Channel, bool) {
			if name == "orders" {
				return ch, true
			}
			return nil, false
		},
	)

	cursor, err := binder.Open("channels", nil)
	require.NoError(t, err)
	defer cursor.Close()

	doc, last, ok, err := cursor.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last)
	v, _ := doc.Get("channel")
	s, _ := v.AsString()
	assert.Equal(t, "orders", s)

	_, _, ok, err = cursor.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManagerResolveCachesBinder(t *testing.T) {
	calls := 0
	m, err := docbinding.NewManager(4, map[string]func() (docbinding.Binder, error){
		"$admin": func() (docbinding.Binder, error) {
			calls++
			return docbinding.NewAdminBinder(func() []string { return nil }, func(string) (*logstore.Channel, bool) { return nil, false }), nil
		},
	})
	require.NoError(t, err)

	_, err = m.Resolve("$admin")
	require.NoError(t, err)
	_, err = m.Resolve("$admin")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = m.Resolve("unknown")
	assert.Error(t, err)
}

func TestQueryExecutionRespectsCredit(t *testing.T) {
	names := []string{"a", "b", "c"}
	channels := map[string]*logstore.Channel{}
	dir := t.TempDir()
	logger := observability.NewNoOpLogger()
	for _, n := range names {
		ch, err := logstore.Open(dir, n, 1<<20, logger, nil)
		require.NoError(t, err)
		defer ch.Close()
		channels[n] = ch
	}

	binder := docbinding.NewAdminBinder(
		func() []string { return names },
		func(name string) (*logstore.Channel, bool) { c, ok := channels[name]; return c, ok },
	)
	cursor, err := binder.Open("channels", nil)
	require.NoError(t, err)

	qe := docbinding.NewQueryExecution(1, docbinding.AdminBinderName, cursor, 0)
	_, _, ok, err := qe.Next()
	require.NoError(t, err)
	assert.False(t, ok, "zero credit should not allow any result")

	qe.Ack(1 << 20)
	_, _, ok, err = qe.Next()
	require.NoError(t, err)
	assert.True(t, ok)
}
