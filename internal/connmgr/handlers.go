package connmgr

import (
	"math"
	"time"

	"github.com/AlexBischof/mewbase/internal/docbinding"
	"github.com/AlexBischof/mewbase/internal/frame"
	"github.com/AlexBischof/mewbase/internal/protoerr"
	"github.com/AlexBischof/mewbase/internal/subscription"
)

// handleFrame dispatches one inbound frame per §4.7's table. It returns
// false if the connection must close (protocol-fatal error already
// logged).
//
// Every handler implicitly runs under the context assertion of §5: this
// method is only ever called from dispatchLoop, the connection's single
// serial execution context.
func (c *Connection) handleFrame(f *frame.Frame) bool {
	if !c.authorised && f.Kind != KindConnect {
		// The source this protocol is drawn from logs and processes the
		// frame anyway (§7, §9). That is corrected here per §7's
		// "Recommended corrected behavior": treat as protocol-fatal.
		return c.fatal(protoerr.Newf("connmgr: frame %s received before CONNECT", f.Kind).Fatal())
	}

	switch f.Kind {
	case KindConnect:
		return c.handleConnect()
	case KindPublish:
		return c.handlePublish(f)
	case KindSubscribe:
		return c.handleSubscribe(f)
	case KindSubClose:
		return c.handleSubClose(f)
	case KindUnsubscribe:
		return c.handleUnsubscribe(f)
	case KindAckEv:
		return c.handleAckEv(f)
	case KindQuery:
		return c.handleQuery(f)
	case KindQueryAck:
		return c.handleQueryAck(f)
	case KindPing:
		return true
	case KindStartTx, KindCommitTx, KindAbortTx:
		// Accepted but unimplemented, per §4.7: the protocol reserves
		// these frames without defined semantics.
		return true
	default:
		return c.fatal(protoerr.Newf("connmgr: unknown frame kind %q", f.Kind).Fatal())
	}
}

func (c *Connection) handleConnect() bool {
	c.authorised = true
	order, ok := c.nextWriteSeq()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: write_seq wrapped").Fatal())
	}
	c.submitResponse(order, frame.New(KindResponse).Set(fieldOk, frame.Bool(true)))
	return true
}

func (c *Connection) handlePublish(f *frame.Frame) bool {
	channelV, ok := f.Get(fieldChannel)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: PUBLISH missing %s", fieldChannel).Fatal())
	}
	channelName, ok := channelV.AsString()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: PUBLISH %s not a string", fieldChannel).Fatal())
	}
	eventV, ok := f.Get(fieldEvent)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: PUBLISH missing %s", fieldEvent).Fatal())
	}
	event, ok := eventV.AsFrame()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: PUBLISH %s not a frame", fieldEvent).Fatal())
	}

	order, ok := c.nextWriteSeq()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: write_seq wrapped").Fatal())
	}

	record := frame.New("RECORD").
		Set(fieldTimestamp, frame.Int64(time.Now().UnixMilli())).
		Set(fieldEvent, frame.Nested(event))

	ch, err := c.server.openChannel(channelName)
	if err != nil {
		// Filesystem integrity failures surface here as a persistence
		// failure (§7): reply ok:false at the assigned order rather than
		// closing the connection. The channel-open error is logged so
		// it isn't silently swallowed, per §7's propagation policy.
		c.logger.CaptureWarn("connmgr: PUBLISH could not open channel", "connId", c.id, "channel", channelName, "err", err)
		c.submitResponse(order, persistenceFailure())
		return true
	}

	future := ch.Append(record)
	go func() {
		_, appendErr := future.Wait()
		c.postAction(func(cc *Connection) {
			if appendErr != nil {
				cc.logger.CaptureWarn("connmgr: PUBLISH append failed", "connId", cc.id, "channel", channelName, "err", appendErr)
				cc.submitResponse(order, persistenceFailure())
				return
			}
			cc.submitResponse(order, frame.New(KindResponse).Set(fieldOk, frame.Bool(true)))
		})
	}()
	return true
}

// persistenceFailure is the exact RESPONSE §7 specifies for a
// persistence failure: reply ok:false; the connection stays open.
func persistenceFailure() *frame.Frame {
	return frame.New(KindResponse).
		Set(fieldOk, frame.Bool(false)).
		Set(fieldErrMsg, frame.String("Failed to persist"))
}

func (c *Connection) handleSubscribe(f *frame.Frame) bool {
	channelV, ok := f.Get(fieldChannel)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: SUBSCRIBE missing %s", fieldChannel).Fatal())
	}
	channelName, ok := channelV.AsString()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: SUBSCRIBE %s not a string", fieldChannel).Fatal())
	}

	if c.subSeq == math.MinInt32 {
		return c.fatal(protoerr.Newf("int wrapped!").Fatal())
	}
	subID := c.subSeq
	c.subSeq++

	desc := subscription.Descriptor{
		Channel:       channelName,
		StartPosition: subscription.StartFromNextUnseen,
	}
	if v, ok := f.Get(fieldStartPos); ok {
		if n, ok := v.AsInt64(); ok {
			desc.StartPosition = n
		}
	}
	if v, ok := f.Get(fieldStartTimestamp); ok {
		if n, ok := v.AsInt64(); ok {
			desc.StartTimestamp = &n
		}
	}
	if v, ok := f.Get(fieldDurableID); ok {
		if s, ok := v.AsString(); ok {
			desc.DurableID = s
		}
	}
	if v, ok := f.Get(fieldMatcher); ok {
		if m, ok := v.AsFrame(); ok {
			desc.Matcher = m
		}
	}

	ch, err := c.server.openChannel(channelName)
	if err != nil {
		// Matches the source's behavior of throwing on an unknown
		// channel (§9: left as a refinement, not corrected here).
		return c.fatal(protoerr.Enrichf(err, "connmgr: SUBSCRIBE unknown channel %q", channelName).Fatal())
	}

	handle := subscription.New(desc, ch, c.server.cfg.LogsDir, c.server.cfg.InitialCredit, c.logger,
		func(record *frame.Frame, position int64) error {
			eventV, _ := record.Get(fieldEvent)
			c.writeDirect(frame.New("EVENT").
				Set(fieldSubID, frame.Int32(subID)).
				Set(fieldPos, frame.Int64(position)).
				Set(fieldEvent, eventV))
			return nil
		},
	)
	c.subscriptions[subID] = handle

	order, ok := c.nextWriteSeq()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: write_seq wrapped").Fatal())
	}
	c.submitResponse(order, frame.New(KindSubResponse).
		Set(fieldOk, frame.Bool(true)).
		Set(fieldSubID, frame.Int32(subID)))
	// Start delivery only after SUBRESPONSE has been submitted. When no
	// earlier response is still pending it is already on writeCh, so no
	// EVENT can overtake it; if an earlier response is pending,
	// SUBRESPONSE waits in respQueue and an EVENT may reach the wire first.
	handle.Start()
	return true
}

func (c *Connection) subID(f *frame.Frame) (int32, bool) {
	v, ok := f.Get(fieldSubID)
	if !ok {
		return 0, false
	}
	return v.AsInt32()
}

func (c *Connection) handleSubClose(f *frame.Frame) bool {
	subID, ok := c.subID(f)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: SUBCLOSE missing %s", fieldSubID).Fatal())
	}
	handle, ok := c.subscriptions[subID]
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: SUBCLOSE invalid %s %d", fieldSubID, subID).Fatal())
	}
	delete(c.subscriptions, subID)
	if err := handle.Close(); err != nil {
		c.logger.CaptureWarn("connmgr: error closing subscription", "connId", c.id, "subId", subID, "err", err)
	}

	order, ok := c.nextWriteSeq()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: write_seq wrapped").Fatal())
	}
	c.submitResponse(order, frame.New(KindResponse).Set(fieldOk, frame.Bool(true)))
	return true
}

func (c *Connection) handleUnsubscribe(f *frame.Frame) bool {
	subID, ok := c.subID(f)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: UNSUBSCRIBE missing %s", fieldSubID).Fatal())
	}
	handle, ok := c.subscriptions[subID]
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: UNSUBSCRIBE invalid %s %d", fieldSubID, subID).Fatal())
	}
	delete(c.subscriptions, subID)
	if err := handle.Unsubscribe(); err != nil {
		c.logger.CaptureWarn("connmgr: error unsubscribing", "connId", c.id, "subId", subID, "err", err)
	}

	order, ok := c.nextWriteSeq()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: write_seq wrapped").Fatal())
	}
	c.submitResponse(order, frame.New(KindResponse).Set(fieldOk, frame.Bool(true)))
	return true
}

func (c *Connection) handleAckEv(f *frame.Frame) bool {
	subID, ok := c.subID(f)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: ACKEV missing %s", fieldSubID).Fatal())
	}
	handle, ok := c.subscriptions[subID]
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: ACKEV invalid %s %d", fieldSubID, subID).Fatal())
	}
	bytesV, ok := f.Get(fieldBytes)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: ACKEV missing %s", fieldBytes).Fatal())
	}
	bytes, ok := bytesV.AsInt32()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: ACKEV %s not an int", fieldBytes).Fatal())
	}
	posV, ok := f.Get(fieldPos)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: ACKEV missing %s", fieldPos).Fatal())
	}
	pos, ok := posV.AsInt64()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: ACKEV %s not a long", fieldPos).Fatal())
	}

	handle.HandleAck(pos, int64(bytes))
	return true
}

func (c *Connection) handleQuery(f *frame.Frame) bool {
	queryIDV, ok := f.Get(fieldQueryID)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: QUERY missing %s", fieldQueryID).Fatal())
	}
	queryID, ok := queryIDV.AsInt32()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: QUERY %s not an int", fieldQueryID).Fatal())
	}
	binderV, ok := f.Get(fieldBinder)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: QUERY missing %s", fieldBinder).Fatal())
	}
	binderName, ok := binderV.AsString()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: QUERY %s not a string", fieldBinder).Fatal())
	}

	if c.server.docs == nil {
		return c.fatal(protoerr.Newf("connmgr: QUERY: no document binder manager configured").Fatal())
	}
	binder, err := c.server.docs.Resolve(binderName)
	if err != nil {
		return c.fatal(protoerr.Enrichf(err, "connmgr: QUERY resolve binder %q", binderName).Fatal())
	}

	if docV, ok := f.Get(fieldDocID); ok {
		docID, _ := docV.AsString()
		result, found, err := binder.Get(docID)
		if err != nil {
			return c.fatal(protoerr.Enrichf(err, "connmgr: QUERY Get %q/%q", binderName, docID).Fatal())
		}
		if !found {
			result = frame.New("DOCUMENT")
		}
		c.writeDirect(frame.New(KindQueryResult).
			Set(fieldQueryID, frame.Int32(queryID)).
			Set(fieldResult, frame.Nested(result)).
			Set(fieldLast, frame.Bool(true)))
		return true
	}

	nameV, ok := f.Get(fieldName)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: QUERY requires %s or %s", fieldDocID, fieldName).Fatal())
	}
	queryName, _ := nameV.AsString()
	var params *frame.Frame
	if p, ok := f.Get(fieldParams); ok {
		params, _ = p.AsFrame()
	}

	cursor, err := binder.Open(queryName, params)
	if err != nil {
		return c.fatal(protoerr.Enrichf(err, "connmgr: QUERY Open %q/%q", binderName, queryName).Fatal())
	}

	qe := docbinding.NewQueryExecution(queryID, binderName, cursor, c.server.cfg.InitialCredit)
	c.queries[queryID] = qe
	c.pushQueryResults(queryID, qe)
	return true
}

func (c *Connection) handleQueryAck(f *frame.Frame) bool {
	queryIDV, ok := f.Get(fieldQueryID)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: QUERYACK missing %s", fieldQueryID).Fatal())
	}
	queryID, ok := queryIDV.AsInt32()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: QUERYACK %s not an int", fieldQueryID).Fatal())
	}
	qe, ok := c.queries[queryID]
	if !ok {
		// Not specified as fatal in §4.7 (unlike ACKEV/SUBCLOSE), so a
		// stale QUERYACK for an already-retired query is logged and
		// ignored rather than closing the connection.
		c.logger.CaptureWarn("connmgr: QUERYACK for unknown query", "connId", c.id, "queryId", queryID)
		return true
	}
	bytesV, ok := f.Get(fieldBytes)
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: QUERYACK missing %s", fieldBytes).Fatal())
	}
	bytes, ok := bytesV.AsInt32()
	if !ok {
		return c.fatal(protoerr.Newf("connmgr: QUERYACK %s not an int", fieldBytes).Fatal())
	}

	qe.Ack(int64(bytes))
	c.pushQueryResults(queryID, qe)
	return true
}

// pushQueryResults drains as many results as the query's current credit
// allows, writing each as a QUERYRESULT frame, and retires the query
// once its cursor reports the last result.
func (c *Connection) pushQueryResults(queryID int32, qe *docbinding.QueryExecution) {
	for {
		result, last, ok, err := qe.Next()
		if err != nil {
			c.logger.CaptureError(protoerr.Enrichf(err, "connmgr: query %d execution error", queryID))
			delete(c.queries, queryID)
			return
		}
		if !ok {
			return
		}
		c.writeDirect(frame.New(KindQueryResult).
			Set(fieldQueryID, frame.Int32(queryID)).
			Set(fieldResult, frame.Nested(result)).
			Set(fieldLast, frame.Bool(last)))
		if last {
			delete(c.queries, queryID)
			return
		}
	}
}
