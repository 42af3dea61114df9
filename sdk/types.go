package sdk

import (
	"time"
)

// MessageStatus is the client-side delivery status of a message
type MessageStatus int

// Statuses are ordered; a message only ever moves forward.
const (
	MessageStatusPending MessageStatus = iota
	MessageStatusSent
	MessageStatusDelivered
	MessageStatusRead
)

func (s MessageStatus) String() string {
	switch s {
	case MessageStatusPending:
		return "pending"
	case MessageStatusSent:
		return "sent"
	case MessageStatusDelivered:
		return "delivered"
	case MessageStatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// Member is one participant of a conversation
type Member struct {
	UserID          string    `json:"userId"`
	Role            string    `json:"role"`
	JoinedAt        time.Time `json:"joinedAt"`
	IsAccepted      bool      `json:"isAccepted"`
	UserEmail       string    `json:"userEmail,omitempty"`
	UserDisplayName string    `json:"userDisplayName,omitempty"`
	UserAvatarURL   string    `json:"userAvatarUrl,omitempty"`
}

// LastMessage is the conversation list preview
type LastMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a conversation snapshot
type Conversation struct {
	ID                string       `json:"id"`
	Type              string       `json:"type"`
	Title             string       `json:"title,omitempty"`
	RelatedEntityType string       `json:"relatedEntityType,omitempty"`
	RelatedEntityID   string       `json:"relatedEntityId,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
	Members           []Member     `json:"members"`
	LastMessage       *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount       int          `json:"unreadCount"`
}

// Member returns the membership record of userID, or nil
func (c *Conversation) Member(userID string) *Member {
	for i := range c.Members {
		if c.Members[i].UserID == userID {
			return &c.Members[i]
		}
	}
	return nil
}

// IsPendingFor reports whether userID still has to accept the conversation
func (c *Conversation) IsPendingFor(userID string) bool {
	m := c.Member(userID)
	return m != nil && !m.IsAccepted
}

// ActivityAt is the timestamp conversations are ordered by
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

// Clone returns a deep copy
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Members = append([]Member(nil), c.Members...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

// Attachment describes an uploaded file
type Attachment struct {
	FileID   string `json:"file_id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// Receipt holds the delivered/read timestamps of one member
type Receipt struct {
	UserID      string     `json:"userId"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

// Reaction is one (user, emoji) pair on a message
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a chat message
type Message struct {
	ID                string        `json:"id"`
	ConversationID    string        `json:"conversationId"`
	SenderID          string        `json:"senderId"`
	ClientMessageID   string        `json:"clientMessageId,omitempty"`
	Content           string        `json:"content"`
	ContentType       string        `json:"contentType"`
	Attachments       []Attachment  `json:"attachments,omitempty"`
	ReplyToID         string        `json:"replyToId,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	EditedAt          *time.Time    `json:"editedAt,omitempty"`
	DeletedAt         *time.Time    `json:"deletedAt,omitempty"`
	SenderEmail       string        `json:"senderEmail,omitempty"`
	SenderDisplayName string        `json:"senderDisplayName,omitempty"`
	SenderAvatarURL   string        `json:"senderAvatarUrl,omitempty"`
	Receipts          []Receipt     `json:"receipts,omitempty"`
	Reactions         []Reaction    `json:"reactions,omitempty"`
	Status            MessageStatus `json:"-"`
}

// IsTombstone reports whether the message was deleted for everyone
func (m *Message) IsTombstone() bool {
	return m.DeletedAt != nil
}

// Clone returns a deep copy
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	out.Reactions = append([]Reaction(nil), m.Reactions...)
	out.Receipts = make([]Receipt, len(m.Receipts))
	for i, r := range m.Receipts {
		out.Receipts[i] = Receipt{UserID: r.UserID, DeliveredAt: copyTime(r.DeliveredAt), ReadAt: copyTime(r.ReadAt)}
	}
	out.EditedAt = copyTime(m.EditedAt)
	out.DeletedAt = copyTime(m.DeletedAt)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// UserInfo is the public profile returned by user lookup
type UserInfo struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// ===== Request types =====

// CreateDirectRequest creates or fetches a direct conversation
type CreateDirectRequest struct {
	Email string `json:"email"`
}

// RejectRequest rejects a pending conversation
type RejectRequest struct {
	DeleteHistory bool `json:"delete_history"`
}

// MessageQuery bounds a history page
type MessageQuery struct {
	After  string
	Before string
	Limit  int
}

// ===== Response types =====

// CreateDirectResponse is returned by CreateDirectConversation
type CreateDirectResponse struct {
	ConversationID string `json:"conversation_id"`
}

// MessagePage is one page of message history
type MessagePage struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"has_more"`
}

// PinsResponse is the persisted pin list of a conversation
type PinsResponse struct {
	MessageIDs []string `json:"message_ids"`
}

// SuccessResponse is returned by accept/reject
type SuccessResponse struct {
	Success bool `json:"success"`
}
