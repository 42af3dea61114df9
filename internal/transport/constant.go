package transport

// Outbound frame types
const (
	TypeClientHello = "client:hello"
	TypeConvJoin    = "conv:join"
	TypeConvSync    = "conv:sync"
	TypeMsgSend     = "msg:send"
	TypeMsgEdit     = "msg:edit"
	TypeMsgDelete   = "msg:delete"
	TypeMsgReact    = "msg:react"
	TypeMsgPin      = "msg:pin"
	TypeMsgUnpin    = "msg:unpin"
	TypeMsgRead     = "msg:read" // also inbound
	TypeTyping      = "typing"   // also inbound
	TypePong        = "pong"     // keep-alive, sent on an interval and in reply to ping
)

// Inbound frame types
const (
	TypeServerHello    = "server:hello"
	TypeMsgAck         = "msg:ack"
	TypeMsgNew         = "msg:new"
	TypeMsgEditAck     = "msg:edit:ack"
	TypeMsgDeleteAck   = "msg:delete:ack"
	TypeMsgReactAck    = "msg:react:ack"
	TypeMsgDelivered   = "msg:delivered"
	TypeMsgPinned      = "msg:pinned"
	TypeMsgUnpinned    = "msg:unpinned"
	TypeConvSyncResult = "conv:sync:result"
	TypeConvUpsert     = "conv:upsert"
	TypeConvRejected   = "conv:rejected"
	TypeError          = "error"
	TypePing           = "ping"
)

// inboundTypes are the frame types the server is known to push
var inboundTypes = map[string]struct{}{
	TypeServerHello:    {},
	TypeMsgAck:         {},
	TypeMsgNew:         {},
	TypeMsgEdit:        {},
	TypeMsgEditAck:     {},
	TypeMsgDelete:      {},
	TypeMsgDeleteAck:   {},
	TypeMsgReact:       {},
	TypeMsgReactAck:    {},
	TypeMsgDelivered:   {},
	TypeMsgRead:        {},
	TypeMsgPinned:      {},
	TypeMsgUnpinned:    {},
	TypeTyping:         {},
	TypeConvSyncResult: {},
	TypeConvUpsert:     {},
	TypeConvRejected:   {},
	TypeError:          {},
	TypePing:           {},
}

// Reaction echo actions
const (
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

// Query parameter keys
const (
	QueryToken = "token"
)

// Status is the connection state of the client
type Status string

const (
	StatusClosed     Status = "closed"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
)
