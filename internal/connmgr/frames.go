package connmgr

// Frame kinds, per §6.
const (
	KindConnect      = "CONNECT"
	KindResponse     = "RESPONSE"
	KindPublish      = "PUBLISH"
	KindSubscribe    = "SUBSCRIBE"
	KindSubResponse  = "SUBRESPONSE"
	KindAckEv        = "ACKEV"
	KindSubClose     = "SUBCLOSE"
	KindUnsubscribe  = "UNSUBSCRIBE"
	KindQuery        = "QUERY"
	KindQueryResult  = "QUERYRESULT"
	KindQueryAck     = "QUERYACK"
	KindPing         = "PING"
	KindStartTx      = "STARTTX"
	KindCommitTx     = "COMMITTX"
	KindAbortTx      = "ABORTTX"
)

// Field names, per §6.
const (
	fieldChannel        = "channel"
	fieldEvent          = "event"
	fieldOk             = "ok"
	fieldErrMsg         = "errMsg"
	fieldStartPos       = "startPos"
	fieldStartTimestamp = "startTimestamp"
	fieldDurableID      = "durableID"
	fieldMatcher        = "matcher"
	fieldSubID          = "subID"
	fieldBytes          = "bytes"
	fieldPos            = "pos"
	fieldQueryID        = "queryID"
	fieldBinder         = "binder"
	fieldDocID          = "docID"
	fieldName           = "name"
	fieldParams         = "params"
	fieldResult         = "result"
	fieldLast           = "last"
	fieldTimestamp      = "timestamp"
)
