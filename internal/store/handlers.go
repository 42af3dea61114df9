package store

import (
	"context"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/rtchat/internal/metrics"
	"github.com/mbeoliero/rtchat/internal/transport"
	"github.com/mbeoliero/rtchat/pkg/errcode"
	"github.com/mbeoliero/rtchat/sdk"
)

// Subscriber routes inbound frames by type
type Subscriber interface {
	Subscribe(typ string, h transport.Handler) func()
}

// Attach registers the store's inbound handlers. The returned func detaches them.
func (s *Store) Attach(sub Subscriber) func() {
	handlers := map[string]transport.Handler{
		transport.TypeServerHello:    s.handleServerHello,
		transport.TypeMsgAck:         s.handleAck,
		transport.TypeMsgNew:         s.handleNew,
		transport.TypeMsgEdit:        s.handleEdit,
		transport.TypeMsgEditAck:     s.handleEdit,
		transport.TypeMsgDelete:      s.handleDelete,
		transport.TypeMsgDeleteAck:   s.handleDelete,
		transport.TypeMsgReact:       s.handleReact,
		transport.TypeMsgReactAck:    s.handleReact,
		transport.TypeMsgDelivered:   s.handleDelivered,
		transport.TypeMsgRead:        s.handleRead,
		transport.TypeMsgPinned:      s.handlePinned,
		transport.TypeMsgUnpinned:    s.handleUnpinned,
		transport.TypeTyping:         s.handleTyping,
		transport.TypeConvSyncResult: s.handleSyncResult,
		transport.TypeConvUpsert:     s.handleUpsert,
		transport.TypeConvRejected:   s.handleRejected,
		transport.TypeError:          s.handleError,
	}

	unsubs := make([]func(), 0, len(handlers))
	for typ, h := range handlers {
		unsubs = append(unsubs, sub.Subscribe(typ, h))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func decodeFrame(f *transport.Frame, v interface{}) bool {
	if err := f.Decode(v); err != nil {
		log.Warn("drop malformed frame: type=%s, req_id=%s, err=%v", f.Type, f.ReqID, err)
		return false
	}
	return true
}

func (s *Store) handleServerHello(f *transport.Frame) {
	var data transport.ServerHelloData
	if !decodeFrame(f, &data) {
		return
	}
	if data.UserID != "" && data.UserID != s.userId {
		log.Warn("server hello for another user: expected=%s, got=%s", s.userId, data.UserID)
	}
}

// handleAck reconciles an optimistic message with its server identity
func (s *Store) handleAck(f *transport.Frame) {
	var data transport.MsgAckData
	if !decodeFrame(f, &data) {
		return
	}
	if data.ClientMessageID == "" || data.ServerMessageID == "" {
		log.Warn("drop ack without ids: req_id=%s", f.ReqID)
		return
	}

	s.mu.Lock()
	s.requests.take(f.ReqID)
	tl := s.timelines[data.ConversationID]
	if tl == nil {
		s.mu.Unlock()
		return
	}
	m := tl.byClientID[data.ClientMessageID]
	if m == nil || m.Status != sdk.MessageStatusPending {
		// already reconciled, e.g. by msg:new or a sync page
		s.mu.Unlock()
		return
	}

	fx := &effects{}
	s.promoteLocked(fx, tl, m, data.ServerMessageID, data.CreatedAtServer.UTC())
	s.mu.Unlock()

	log.Debug("message acked: conversation_id=%s, client_message_id=%s, message_id=%s", data.ConversationID, data.ClientMessageID, data.ServerMessageID)
	_ = s.apply(context.Background(), fx)
}

// promoteLocked turns a pending message into its acknowledged form, remaps
// pins that referenced its client id and releases deferred pin actions
func (s *Store) promoteLocked(fx *effects, tl *timeline, m *sdk.Message, serverId string, createdAt time.Time) {
	clientId := m.ClientMessageID
	conv := m.ConversationID

	if existing, ok := tl.byID[serverId]; ok && existing != m {
		// the server copy already arrived under its own id; drop the optimistic one
		tl.remove(clientId)
		if existing.ClientMessageID == "" {
			existing.ClientMessageID = clientId
			tl.byClientID[clientId] = existing
		}
		m = existing
	} else {
		tl.rekey(m, serverId, createdAt)
	}
	if m.Status < sdk.MessageStatusSent {
		m.Status = sdk.MessageStatusSent
	}
	metrics.PendingMessages.Dec()

	if c := s.accepted[conv]; c != nil && c.LastMessage != nil && c.LastMessage.ID == clientId {
		c.LastMessage.ID = serverId
		c.LastMessage.CreatedAt = m.CreatedAt
	}
	s.advanceCursorLocked(fx, m)

	pinsChanged := false
	for i, id := range s.pins[conv] {
		if id == clientId {
			s.pins[conv][i] = serverId
			pinsChanged = true
		}
	}
	if d, ok := s.deferredPins[clientId]; ok {
		delete(s.deferredPins, clientId)
		typ := transport.TypeMsgUnpin
		if d.pin {
			typ = transport.TypeMsgPin
		}
		fx.frames = append(fx.frames, s.frameLocked(typ, conv, serverId, &transport.MsgPinData{
			ConversationID: conv,
			MessageID:      serverId,
		}))
	}

	fx.event(EventMessagesChanged, conv)
	fx.event(EventConversationsChanged, conv)
	if pinsChanged {
		fx.event(EventPinsChanged, conv)
	}
}

func (s *Store) handleNew(f *transport.Frame) {
	var data transport.MsgNewData
	if !decodeFrame(f, &data) {
		return
	}
	m := data.Message
	if m == nil || m.ID == "" || m.ConversationID == "" {
		log.Warn("drop message frame without ids: req_id=%s", f.ReqID)
		return
	}

	s.mu.Lock()
	fx := &effects{}
	if !s.ingestLocked(fx, m, true) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	_ = s.apply(context.Background(), fx)
}

// ingestLocked merges one server message into its timeline. live marks
// messages pushed in real time, which bump the unread count.
// It reports whether anything changed.
func (s *Store) ingestLocked(fx *effects, in *sdk.Message, live bool) bool {
	conv := in.ConversationID
	if s.isRejectedLocked(conv) {
		return false
	}
	if s.isHiddenLocked(conv, in.ID) {
		// hidden messages still count as observed
		s.advanceCursorToLocked(fx, conv, in.ID, in.CreatedAt)
		return false
	}
	tl := s.timelineLocked(conv)

	if existing := tl.byID[in.ID]; existing != nil {
		if live {
			return false
		}
		// sync pages are authoritative for edits, deletes, reactions and receipts
		if !s.mergeServerCopyLocked(existing, in) {
			return false
		}
		fx.event(EventMessagesChanged, conv)
		return true
	}

	if in.ClientMessageID != "" {
		if own := tl.byClientID[in.ClientMessageID]; own != nil && own.Status == sdk.MessageStatusPending {
			s.promoteLocked(fx, tl, own, in.ID, in.CreatedAt.UTC())
			s.mergeServerCopyLocked(own, in)
			return true
		}
	}

	m := in.Clone()
	m.CreatedAt = m.CreatedAt.UTC()
	if m.Status < sdk.MessageStatusSent {
		m.Status = sdk.MessageStatusSent
	}
	if m.SenderID == s.userId {
		m.Status = statusFromReceipts(m, s.userId)
	}
	if !tl.insert(m) {
		return false
	}

	if c := s.accepted[conv]; c != nil {
		s.touchLastMessageLocked(m)
		if live && m.SenderID != s.userId {
			c.UnreadCount++
		}
		fx.event(EventConversationsChanged, conv)
	}
	s.advanceCursorLocked(fx, m)
	fx.event(EventMessagesChanged, conv)
	return true
}

// mergeServerCopyLocked applies the server's view of mutable fields onto m
func (s *Store) mergeServerCopyLocked(m, in *sdk.Message) bool {
	changed := false
	if in.DeletedAt != nil && m.DeletedAt == nil {
		s.tombstoneLocked(m, in.DeletedAt.UTC())
		changed = true
	}
	if m.DeletedAt == nil && in.EditedAt != nil && m.Content != in.Content {
		at := in.EditedAt.UTC()
		m.EditedAt = &at
		m.Content = in.Content
		s.touchLastMessageIfCurrentLocked(m)
		changed = true
	}
	if in.Reactions != nil && !sameReactions(m.Reactions, in.Reactions) {
		m.Reactions = append([]sdk.Reaction(nil), in.Reactions...)
		changed = true
	}
	for _, r := range in.Receipts {
		if s.applyReceiptLocked(m, r.UserID, r.DeliveredAt, r.ReadAt) {
			changed = true
		}
	}
	return changed
}

func sameReactions(a, b []sdk.Reaction) bool {
	if len(a) != len(b) {
		return false
	}
	for _, r := range b {
		if !hasReaction(&sdk.Message{Reactions: a}, r.UserID, r.Emoji) {
			return false
		}
	}
	return true
}

// statusFromReceipts derives the delivery status of a sent message from the
// receipts of members other than its sender. It never returns less than Sent.
func statusFromReceipts(m *sdk.Message, senderId string) sdk.MessageStatus {
	st := m.Status
	if st < sdk.MessageStatusSent {
		st = sdk.MessageStatusSent
	}
	for _, r := range m.Receipts {
		if r.UserID == senderId {
			continue
		}
		if r.ReadAt != nil && st < sdk.MessageStatusRead {
			st = sdk.MessageStatusRead
		}
		if r.DeliveredAt != nil && st < sdk.MessageStatusDelivered {
			st = sdk.MessageStatusDelivered
		}
	}
	return st
}

func (s *Store) handleEdit(f *transport.Frame) {
	var data transport.MsgEditData
	if !decodeFrame(f, &data) {
		return
	}

	s.mu.Lock()
	s.requests.take(f.ReqID)
	m := s.lookupLocked(data.ConversationID, data.MessageID)
	if m == nil || m.IsTombstone() {
		s.mu.Unlock()
		return
	}
	at := s.clock.Now().UTC()
	if data.EditedAt != nil {
		at = data.EditedAt.UTC()
	}
	if m.Content == data.Content && m.EditedAt != nil && !at.After(*m.EditedAt) {
		s.mu.Unlock()
		return
	}
	m.Content = data.Content
	m.EditedAt = &at
	s.touchLastMessageIfCurrentLocked(m)

	fx := &effects{}
	fx.event(EventMessagesChanged, data.ConversationID)
	s.mu.Unlock()

	_ = s.apply(context.Background(), fx)
}

func (s *Store) handleDelete(f *transport.Frame) {
	var data transport.MsgDeleteData
	if !decodeFrame(f, &data) {
		return
	}

	s.mu.Lock()
	s.requests.take(f.ReqID)
	m := s.lookupLocked(data.ConversationID, data.MessageID)
	if m == nil || m.IsTombstone() {
		s.mu.Unlock()
		return
	}
	at := s.clock.Now().UTC()
	if data.DeletedAt != nil {
		at = data.DeletedAt.UTC()
	}
	s.tombstoneLocked(m, at)

	fx := &effects{}
	fx.event(EventMessagesChanged, data.ConversationID)
	s.mu.Unlock()

	_ = s.apply(context.Background(), fx)
}

// handleReact applies the server's add/remove decision for one (user, emoji)
func (s *Store) handleReact(f *transport.Frame) {
	var data transport.MsgReactData
	if !decodeFrame(f, &data) {
		return
	}
	if data.UserID == "" || data.Emoji == "" {
		log.Warn("drop reaction without user or emoji: req_id=%s", f.ReqID)
		return
	}

	s.mu.Lock()
	s.requests.take(f.ReqID)
	m := s.lookupLocked(data.ConversationID, data.MessageID)
	if m == nil {
		s.mu.Unlock()
		return
	}

	changed := false
	switch data.Action {
	case transport.ReactionAdded:
		if !hasReaction(m, data.UserID, data.Emoji) {
			at := s.clock.Now().UTC()
			if data.CreatedAt != nil {
				at = data.CreatedAt.UTC()
			}
			m.Reactions = append(m.Reactions, sdk.Reaction{UserID: data.UserID, Emoji: data.Emoji, CreatedAt: at})
			changed = true
		}
	case transport.ReactionRemoved:
		changed = removeReaction(m, data.UserID, data.Emoji)
	default:
		log.Warn("drop reaction with unknown action: action=%s, req_id=%s", data.Action, f.ReqID)
	}
	if !changed {
		s.mu.Unlock()
		return
	}

	fx := &effects{}
	fx.event(EventMessagesChanged, data.ConversationID)
	s.mu.Unlock()

	_ = s.apply(context.Background(), fx)
}

func (s *Store) handleDelivered(f *transport.Frame) {
	var data transport.ReceiptData
	if !decodeFrame(f, &data) {
		return
	}

	s.mu.Lock()
	m := s.lookupLocked(data.ConversationID, data.MessageID)
	if m == nil || data.UserID == "" {
		s.mu.Unlock()
		return
	}
	at := s.clock.Now().UTC()
	if data.DeliveredAt != nil {
		at = data.DeliveredAt.UTC()
	}
	if !s.applyReceiptLocked(m, data.UserID, &at, nil) {
		s.mu.Unlock()
		return
	}
	fx := &effects{}
	fx.event(EventMessagesChanged, data.ConversationID)
	s.mu.Unlock()

	_ = s.apply(context.Background(), fx)
}

// handleRead marks every message up to the read one as read by the member.
// A read from the local user (another device) moves the local read marker.
func (s *Store) handleRead(f *transport.Frame) {
	var data transport.ReceiptData
	if !decodeFrame(f, &data) {
		return
	}
	if data.UserID == "" || data.ConversationID == "" {
		return
	}

	s.mu.Lock()
	fx := &effects{}
	conv := data.ConversationID

	if data.UserID == s.userId {
		if c := s.accepted[conv]; c != nil && c.UnreadCount != 0 {
			c.UnreadCount = 0
			fx.event(EventConversationsChanged, conv)
		}
		if data.MessageID != "" && s.lastRead[conv] != data.MessageID {
			s.lastRead[conv] = data.MessageID
			id := data.MessageID
			fx.write(func(ctx context.Context) error {
				return s.state.SaveLastRead(ctx, conv, id)
			})
		}
		s.mu.Unlock()
		_ = s.apply(context.Background(), fx)
		return
	}

	tl := s.timelines[conv]
	idx := -1
	if tl != nil {
		idx = tl.indexOf(data.MessageID)
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	at := s.clock.Now().UTC()
	if data.ReadAt != nil {
		at = data.ReadAt.UTC()
	}
	changed := false
	for _, m := range tl.msgs[:idx+1] {
		if m.Status == sdk.MessageStatusPending {
			continue
		}
		if s.applyReceiptLocked(m, data.UserID, &at, &at) {
			changed = true
		}
	}
	if changed {
		fx.event(EventMessagesChanged, conv)
	}
	s.mu.Unlock()

	_ = s.apply(context.Background(), fx)
}

// applyReceiptLocked records the member's receipt on m. Timestamps already
// set are kept. The sender's own status only moves forward.
func (s *Store) applyReceiptLocked(m *sdk.Message, userId string, deliveredAt, readAt *time.Time) bool {
	if userId == "" || userId == m.SenderID || (deliveredAt == nil && readAt == nil) {
		return false
	}
	var r *sdk.Receipt
	for i := range m.Receipts {
		if m.Receipts[i].UserID == userId {
			r = &m.Receipts[i]
			break
		}
	}
	if r == nil {
		m.Receipts = append(m.Receipts, sdk.Receipt{UserID: userId})
		r = &m.Receipts[len(m.Receipts)-1]
	}

	changed := false
	if deliveredAt != nil && r.DeliveredAt == nil {
		v := *deliveredAt
		r.DeliveredAt = &v
		changed = true
	}
	if readAt != nil && r.ReadAt == nil {
		v := *readAt
		r.ReadAt = &v
		changed = true
	}
	if m.SenderID == s.userId {
		if st := statusFromReceipts(m, s.userId); st > m.Status {
			m.Status = st
			changed = true
		}
	}
	return changed
}

func (s *Store) handlePinned(f *transport.Frame) {
	s.handlePin(f, true)
}

func (s *Store) handleUnpinned(f *transport.Frame) {
	s.handlePin(f, false)
}

func (s *Store) handlePin(f *transport.Frame, pin bool) {
	var data transport.MsgPinData
	if !decodeFrame(f, &data) {
		return
	}
	if data.ConversationID == "" || data.MessageID == "" {
		return
	}

	s.mu.Lock()
	s.requests.take(f.ReqID)
	conv := data.ConversationID
	if s.isRejectedLocked(conv) {
		s.mu.Unlock()
		return
	}
	pinned := containsString(s.pins[conv], data.MessageID)
	if pinned == pin {
		s.mu.Unlock()
		return
	}
	if pin {
		s.pins[conv] = append(s.pins[conv], data.MessageID)
	} else {
		s.pins[conv] = removeString(s.pins[conv], data.MessageID)
	}
	fx := &effects{}
	fx.event(EventPinsChanged, conv)
	s.mu.Unlock()

	_ = s.apply(context.Background(), fx)
}

// handleTyping tracks remote typing users; each entry expires on its own
// unless refreshed
func (s *Store) handleTyping(f *transport.Frame) {
	var data transport.TypingData
	if !decodeFrame(f, &data) {
		return
	}
	if data.UserID == "" || data.UserID == s.userId || data.ConversationID == "" {
		return
	}

	s.mu.Lock()
	conv := data.ConversationID
	users := s.typing[conv]
	existing := users[data.UserID]
	if existing != nil {
		existing.timer.Stop()
	}

	fx := &effects{}
	if data.IsTyping {
		if users == nil {
			users = make(map[string]*typingEntry)
			s.typing[conv] = users
		}
		s.typingSeq++
		seq := s.typingSeq
		uid := data.UserID
		users[uid] = &typingEntry{
			seq: seq,
			timer: s.clock.AfterFunc(s.cfg.TypingExpiry, func() {
				s.expireTyping(conv, uid, seq)
			}),
		}
		if existing == nil {
			fx.event(EventTypingChanged, conv)
		}
	} else if existing != nil {
		delete(users, data.UserID)
		if len(users) == 0 {
			delete(s.typing, conv)
		}
		fx.event(EventTypingChanged, conv)
	}
	s.mu.Unlock()

	_ = s.apply(context.Background(), fx)
}

func (s *Store) expireTyping(conversationId, userId string, seq uint64) {
	s.mu.Lock()
	e := s.typing[conversationId][userId]
	if e == nil || e.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.typing[conversationId], userId)
	if len(s.typing[conversationId]) == 0 {
		delete(s.typing, conversationId)
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventTypingChanged, ConversationID: conversationId})
}

// handleError surfaces a server-reported error against the request that
// caused it. Local state is left untouched.
func (s *Store) handleError(f *transport.Frame) {
	var data transport.ErrorData
	if !decodeFrame(f, &data) {
		return
	}
	metrics.ServerErrors.WithLabelValues(data.Code).Inc()
	err := errcode.FromServer(data.Code, data.Message)

	s.mu.Lock()
	req, ok := s.requests.take(f.ReqID)
	s.mu.Unlock()

	ev := Event{Kind: EventError, ReqID: f.ReqID, Err: err}
	if ok {
		ev.ConversationID = req.conversationId
		ev.MessageID = req.messageId
		log.Warn("server rejected request: req_id=%s, type=%s, conversation_id=%s, code=%s, message=%s",
			f.ReqID, req.typ, req.conversationId, data.Code, data.Message)
	} else {
		log.Warn("server error: req_id=%s, code=%s, message=%s", f.ReqID, data.Code, data.Message)
	}
	s.emit(ev)
}

func (s *Store) lookupLocked(conversationId, messageId string) *sdk.Message {
	if s.isRejectedLocked(conversationId) {
		return nil
	}
	tl := s.timelines[conversationId]
	if tl == nil {
		return nil
	}
	return tl.get(messageId)
}
