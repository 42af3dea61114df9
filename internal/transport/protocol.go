package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbeoliero/rtchat/sdk"
)

// Frame is the envelope of every push channel message
type Frame struct {
	Type  string          `json:"type"`
	ReqID string          `json:"reqId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame with data encoded as JSON
func NewFrame(typ, reqID string, data interface{}) (*Frame, error) {
	f := &Frame{Type: typ, ReqID: reqID}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", typ, err)
	}
	f.Data = raw
	return f, nil
}

// Decode decodes the frame data into v
func (f *Frame) Decode(v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s frame has no data", ErrInvalidProtocol, f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s frame: %v", ErrInvalidProtocol, f.Type, err)
	}
	return nil
}

// Encode encodes a frame to JSON bytes
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode decodes JSON bytes into a frame
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProtocol, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidProtocol)
	}
	return &f, nil
}

// ClientHelloData announces the device and its sync cursors after every open
type ClientHelloData struct {
	DeviceID   string            `json:"deviceId,omitempty"`
	AppVersion string            `json:"appVersion,omitempty"`
	LastSync   map[string]string `json:"lastSync,omitempty"` // conversation_id -> last synced message id
}

// ServerHelloData is the server's reply to the handshake
type ServerHelloData struct {
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
	UserID              string `json:"userId,omitempty"`
}

// ConvJoinData subscribes to a conversation's live traffic
type ConvJoinData struct {
	ConversationID string `json:"conversationId"`
}

// ConvSyncData requests messages strictly after a cursor
type ConvSyncData struct {
	ConversationID string `json:"conversationId"`
	AfterMessageID string `json:"afterMessageId,omitempty"`
	Limit          int    `json:"limit"`
}

// ConvSyncResultData is one page of sync results
type ConvSyncResultData struct {
	ConversationID string         `json:"conversationId"`
	Messages       []*sdk.Message `json:"messages"`
	HasMore        bool           `json:"hasMore"`
}

// MsgSendData sends a message, correlated by ClientMessageID
type MsgSendData struct {
	ConversationID  string           `json:"conversationId"`
	ClientMessageID string           `json:"clientMessageId"`
	Content         string           `json:"content"`
	ContentType     string           `json:"contentType"`
	Attachments     []sdk.Attachment `json:"attachments,omitempty"`
	ReplyToID       string           `json:"replyToId,omitempty"`
	CreatedAtClient time.Time        `json:"createdAtClient"`
}

// MsgAckData maps a client message id to its server identity
type MsgAckData struct {
	ConversationID  string    `json:"conversationId"`
	ClientMessageID string    `json:"clientMessageId"`
	ServerMessageID string    `json:"serverMessageId"`
	CreatedAtServer time.Time `json:"createdAtServer"`
}

// MsgNewData carries a message pushed to the conversation members
type MsgNewData struct {
	Message *sdk.Message `json:"message"`
}

// MsgEditData edits a message's content
type MsgEditData struct {
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId"`
	Content        string     `json:"content"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

// MsgDeleteData deletes a message for everyone
type MsgDeleteData struct {
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// MsgReactData toggles a reaction; the server echo carries UserID and Action
type MsgReactData struct {
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId"`
	Emoji          string     `json:"emoji"`
	UserID         string     `json:"userId,omitempty"`
	Action         string     `json:"action,omitempty"` // added | removed
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
}

// MsgPinData pins or unpins a message
type MsgPinData struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	PinnedBy       string `json:"pinnedBy,omitempty"`
}

// MsgReadData marks a conversation read up to a message
type MsgReadData struct {
	ConversationID    string `json:"conversationId"`
	LastReadMessageID string `json:"lastReadMessageId"`
}

// ReceiptData is a delivered or read receipt pushed by the server
type ReceiptData struct {
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId"`
	UserID         string     `json:"userId"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// TypingData starts or stops a typing indicator
type TypingData struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// ConvUpsertData carries a full conversation snapshot
type ConvUpsertData struct {
	Conversation *sdk.Conversation `json:"conversation"`
}

// ConvRejectedData reports that a conversation was rejected
type ConvRejectedData struct {
	ConversationID string `json:"conversationId"`
	RejectedBy     string `json:"rejectedBy"`
}

// ErrorData is an application error reported by the server
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
