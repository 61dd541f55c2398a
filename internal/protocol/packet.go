// Package protocol defines the frames exchanged between a wsstore client and
// the relay server over a WebSocket.
package protocol

// Op identifies the kind of frame.
type Op string

// Client → server requests. Every request carries a Seq that the server
// echoes in its OpResult reply.
const (
	OpCreate        Op = "create"        // allocate a record in Collection
	OpSet           Op = "set"           // write Fields to Collection/ID using Mode
	OpGet           Op = "get"           // read Collection/ID
	OpAppend        Op = "append"        // append a child record to Collection
	OpSubscribeDoc  Op = "subscribeDoc"  // watch Collection/ID; Seq becomes the stream id
	OpSubscribeColl Op = "subscribeColl" // watch additions to Collection; Seq becomes the stream id
	OpUnsubscribe   Op = "unsubscribe"   // close stream Seq
)

// Server → client frames.
const (
	OpResult Op = "result" // reply to request Seq; Code is empty on success
	OpEvent  Op = "event"  // change on stream Seq
)

// Error codes carried by OpResult.
const (
	CodeNotFound    = "not_found"
	CodeUnavailable = "unavailable"
	CodeInvalid     = "invalid"
)

// Write modes carried by OpSet.
const (
	ModeCreate = "create"
	ModeMerge  = "merge"
)

// Frame is one JSON message on the socket. Unused fields are omitted.
type Frame struct {
	Op         Op                     `json:"op"`
	Seq        uint32                 `json:"seq"`
	Collection string                 `json:"collection,omitempty"`
	ID         string                 `json:"id,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Mode       string                 `json:"mode,omitempty"`
	Kind       string                 `json:"kind,omitempty"` // OpEvent: added, modified, removed
	Code       string                 `json:"code,omitempty"` // OpResult: error code
	Message    string                 `json:"message,omitempty"`
}

// IsRequest reports whether the op is sent by clients.
func (op Op) IsRequest() bool {
	switch op {
	case OpCreate, OpSet, OpGet, OpAppend, OpSubscribeDoc, OpSubscribeColl, OpUnsubscribe:
		return true
	}
	return false
}
