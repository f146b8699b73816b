package docbinding

import (
	"fmt"

	"github.com/AlexBischof/mewbase/internal/frame"
	"github.com/AlexBischof/mewbase/internal/logstore"
)

// AdminBinderName is the built-in binder exposing per-channel
// introspection documents (SUPPLEMENTED FEATURES #4): channel head
// record number and record count, purely as a working default binder
// implementation.
const AdminBinderName = "$admin"

// ChannelLookup resolves a channel name to its open log, as the
// connection engine would via its channel registry.
type ChannelLookup func(name string) (*logstore.Channel, bool)

// AdminBinder is the "$admin" built-in binder: Get(docID) returns the
// named channel's introspection document; Open backs the "channels"
// query, streaming one document per currently-open channel.
type AdminBinder struct {
	channels func() []string
	lookup   ChannelLookup
}

// NewAdminBinder builds the admin binder over a connection registry's
// live channel set. listChannels returns the current channel names;
// lookup resolves one to its open Channel.
func NewAdminBinder(listChannels func() []string, lookup ChannelLookup) *AdminBinder {
	return &AdminBinder{channels: listChannels, lookup: lookup}
}

// Get returns the introspection document for one channel.
func (b *AdminBinder) Get(docID string) (*frame.Frame, bool, error) {
	ch, ok := b.lookup(docID)
	if !ok {
		return nil, false, nil
	}
	return channelDoc(docID, ch), true, nil
}

// Open starts a streamed query. Only "channels" is supported: it lists
// every currently-open channel's introspection document.
func (b *AdminBinder) Open(queryName string, params *frame.Frame) (Cursor, error) {
	if queryName != "channels" {
		return nil, fmt.Errorf("docbinding: $admin: unknown query %q", queryName)
	}
	names := b.channels()
	return &sliceCursor{names: names, lookup: b.lookup}, nil
}

func channelDoc(name string, ch *logstore.Channel) *frame.Frame {
	head := ch.HeadRecord()
	return frame.New("DOCUMENT").
		Set("channel", frame.String(name)).
		Set("headRecord", frame.Int64(head)).
		Set("recordCount", frame.Int64(head))
}

// sliceCursor streams one channelDoc per name in names.
type sliceCursor struct {
	names  []string
	lookup ChannelLookup
	pos    int
}

func (c *sliceCursor) Next() (*frame.Frame, bool, bool, error) {
	for c.pos < len(c.names) {
		name := c.names[c.pos]
		c.pos++
		ch, ok := c.lookup(name)
		if !ok {
			continue
		}
		last := c.pos >= len(c.names)
		return channelDoc(name, ch), last, true, nil
	}
	return nil, false, false, nil
}

func (c *sliceCursor) Close() error { return nil }
