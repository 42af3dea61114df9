package store

import (
	"context"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/rtchat/internal/metrics"
	"github.com/mbeoliero/rtchat/internal/transport"
	"github.com/mbeoliero/rtchat/pkg/constant"
	"github.com/mbeoliero/rtchat/pkg/errcode"
	"github.com/mbeoliero/rtchat/pkg/idgen"
	"github.com/mbeoliero/rtchat/sdk"
)

func validateContent(content string, attachments []sdk.Attachment) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return errcode.ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > constant.MaxContentLength {
		return errcode.ErrContentTooLong
	}
	return nil
}

// checkWritableLocked rejects actions on conversations the local user cannot post to
func (s *Store) checkWritableLocked(conversationId string) error {
	if s.isRejectedLocked(conversationId) {
		return errcode.ErrConvRejected
	}
	if _, ok := s.pending[conversationId]; ok {
		return errcode.ErrConvNotAccepted
	}
	return nil
}

// ownMessageLocked returns a message the local user may edit or delete
func (s *Store) ownMessageLocked(conversationId, messageId string) (*sdk.Message, error) {
	tl := s.timelines[conversationId]
	if tl == nil {
		return nil, errcode.ErrMessageNotFound
	}
	m := tl.get(messageId)
	if m == nil {
		return nil, errcode.ErrMessageNotFound
	}
	if m.SenderID != s.userId {
		return nil, errcode.ErrNotMessageOwner
	}
	if m.Status == sdk.MessageStatusPending {
		return nil, errcode.ErrInvalidParam.Wrap(errMessageNotSent)
	}
	return m, nil
}

// SendMessage appends an optimistic message and sends it. The returned copy
// carries the client message id as its id until the server acknowledges it.
func (s *Store) SendMessage(conversationId, content, contentType string, attachments []sdk.Attachment, replyToId string) (*sdk.Message, error) {
	if conversationId == "" {
		return nil, errcode.ErrInvalidParam
	}
	if contentType == "" {
		contentType = constant.ContentTypeText
	}
	if !constant.IsValidContentType(contentType) {
		return nil, errcode.ErrInvalidParam
	}
	if err := validateContent(content, attachments); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.checkWritableLocked(conversationId); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	clientId := idgen.ClientMessageID()
	now := s.clock.Now().UTC()
	msg := &sdk.Message{
		ID:                clientId,
		ConversationID:    conversationId,
		SenderID:          s.userId,
		ClientMessageID:   clientId,
		Content:           content,
		ContentType:       contentType,
		Attachments:       append([]sdk.Attachment(nil), attachments...),
		ReplyToID:         replyToId,
		CreatedAt:         now,
		SenderEmail:       s.profile.Email,
		SenderDisplayName: s.profile.DisplayName,
		SenderAvatarURL:   s.profile.AvatarURL,
		Status:            sdk.MessageStatusPending,
	}
	s.timelineLocked(conversationId).insert(msg)
	s.touchLastMessageLocked(msg)

	fx := &effects{}
	s.stopLocalTypingLocked(fx, conversationId)
	fx.frames = append(fx.frames, s.frameLocked(transport.TypeMsgSend, conversationId, clientId, &transport.MsgSendData{
		ConversationID:  conversationId,
		ClientMessageID: clientId,
		Content:         content,
		ContentType:     contentType,
		Attachments:     msg.Attachments,
		ReplyToID:       replyToId,
		CreatedAtClient: now,
	}))
	fx.event(EventMessagesChanged, conversationId)
	fx.event(EventConversationsChanged, conversationId)
	out := msg.Clone()
	s.mu.Unlock()

	metrics.PendingMessages.Inc()
	log.Debug("message queued: conversation_id=%s, client_message_id=%s", conversationId, clientId)
	_ = s.apply(context.Background(), fx)
	return out, nil
}

// EditMessage replaces the content of one of the local user's messages
func (s *Store) EditMessage(conversationId, messageId, content string) error {
	if err := validateContent(content, nil); err != nil {
		return err
	}

	s.mu.Lock()
	m, err := s.ownMessageLocked(conversationId, messageId)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if m.IsTombstone() {
		s.mu.Unlock()
		return errcode.ErrMessageDeleted
	}

	now := s.clock.Now().UTC()
	m.Content = content
	m.EditedAt = &now
	s.touchLastMessageIfCurrentLocked(m)

	fx := &effects{}
	fx.frames = append(fx.frames, s.frameLocked(transport.TypeMsgEdit, conversationId, m.ID, &transport.MsgEditData{
		ConversationID: conversationId,
		MessageID:      m.ID,
		Content:        content,
	}))
	fx.event(EventMessagesChanged, conversationId)
	s.mu.Unlock()

	return s.apply(context.Background(), fx)
}

// DeleteMessage deletes one of the local user's messages for everyone,
// leaving a tombstone in its place
func (s *Store) DeleteMessage(conversationId, messageId string) error {
	s.mu.Lock()
	m, err := s.ownMessageLocked(conversationId, messageId)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if m.IsTombstone() {
		s.mu.Unlock()
		return nil
	}

	s.tombstoneLocked(m, s.clock.Now().UTC())

	fx := &effects{}
	fx.frames = append(fx.frames, s.frameLocked(transport.TypeMsgDelete, conversationId, m.ID, &transport.MsgDeleteData{
		ConversationID: conversationId,
		MessageID:      m.ID,
	}))
	fx.event(EventMessagesChanged, conversationId)
	s.mu.Unlock()

	return s.apply(context.Background(), fx)
}

func (s *Store) tombstoneLocked(m *sdk.Message, at time.Time) {
	m.DeletedAt = &at
	m.Content = s.tombstoneText()
	m.Attachments = nil
	s.touchLastMessageIfCurrentLocked(m)
}

func (s *Store) tombstoneText() string {
	if s.cfg.TombstoneText != "" {
		return s.cfg.TombstoneText
	}
	return constant.TombstoneText
}

// touchLastMessageIfCurrentLocked refreshes the preview when it shows m
func (s *Store) touchLastMessageIfCurrentLocked(m *sdk.Message) {
	c := s.accepted[m.ConversationID]
	if c == nil || c.LastMessage == nil || c.LastMessage.ID != m.ID {
		return
	}
	c.LastMessage.Content = m.Content
}

// HideMessage removes a message from the local user's view only. The hidden
// id is persisted and suppresses the message in later hydration and sync.
func (s *Store) HideMessage(ctx context.Context, conversationId, messageId string) error {
	if conversationId == "" || messageId == "" {
		return errcode.ErrInvalidParam
	}

	s.mu.Lock()
	id := messageId
	if tl := s.timelines[conversationId]; tl != nil {
		if m := tl.get(messageId); m != nil {
			if m.Status == sdk.MessageStatusPending {
				s.mu.Unlock()
				return errcode.ErrInvalidParam.Wrap(errMessageNotSent)
			}
			id = m.ID
			tl.remove(id)
		}
	}
	s.hiddenSetLocked(conversationId)[id] = struct{}{}

	fx := &effects{}
	fx.write(func(ctx context.Context) error {
		return s.state.AddHidden(ctx, conversationId, id)
	})
	fx.event(EventMessagesChanged, conversationId)
	s.mu.Unlock()

	log.CtxDebug(ctx, "message hidden: conversation_id=%s, message_id=%s", conversationId, id)
	return s.apply(ctx, fx)
}

// ToggleReaction adds the local user's emoji reaction, or removes it when
// already present. The server echo later confirms the final state.
func (s *Store) ToggleReaction(conversationId, messageId, emoji string) (bool, error) {
	if emoji == "" {
		return false, errcode.ErrInvalidParam
	}

	s.mu.Lock()
	tl := s.timelines[conversationId]
	var m *sdk.Message
	if tl != nil {
		m = tl.get(messageId)
	}
	if m == nil {
		s.mu.Unlock()
		return false, errcode.ErrMessageNotFound
	}
	if m.IsTombstone() {
		s.mu.Unlock()
		return false, errcode.ErrMessageDeleted
	}
	if m.Status == sdk.MessageStatusPending {
		s.mu.Unlock()
		return false, errcode.ErrInvalidParam.Wrap(errMessageNotSent)
	}

	added := !removeReaction(m, s.userId, emoji)
	if added {
		m.Reactions = append(m.Reactions, sdk.Reaction{UserID: s.userId, Emoji: emoji, CreatedAt: s.clock.Now().UTC()})
	}

	fx := &effects{}
	fx.frames = append(fx.frames, s.frameLocked(transport.TypeMsgReact, conversationId, m.ID, &transport.MsgReactData{
		ConversationID: conversationId,
		MessageID:      m.ID,
		Emoji:          emoji,
	}))
	fx.event(EventMessagesChanged, conversationId)
	s.mu.Unlock()

	return added, s.apply(context.Background(), fx)
}

func hasReaction(m *sdk.Message, userId, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userId && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// removeReaction deletes the (user, emoji) pair and reports whether it existed
func removeReaction(m *sdk.Message, userId, emoji string) bool {
	for i, r := range m.Reactions {
		if r.UserID == userId && r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return true
		}
	}
	return false
}

// PinMessage pins a message for everyone in the conversation. Pinning a message
// that is still pending is deferred until its ack supplies the server id.
func (s *Store) PinMessage(conversationId, messageId string) error {
	return s.setPinned(conversationId, messageId, true)
}

// UnpinMessage removes a pin
func (s *Store) UnpinMessage(conversationId, messageId string) error {
	return s.setPinned(conversationId, messageId, false)
}

func (s *Store) setPinned(conversationId, messageId string, pin bool) error {
	if conversationId == "" || messageId == "" {
		return errcode.ErrInvalidParam
	}

	s.mu.Lock()
	if err := s.checkWritableLocked(conversationId); err != nil {
		s.mu.Unlock()
		return err
	}

	id := messageId
	var pendingMsg *sdk.Message
	if tl := s.timelines[conversationId]; tl != nil {
		if m := tl.get(messageId); m != nil {
			id = m.ID
			if m.Status == sdk.MessageStatusPending {
				pendingMsg = m
			}
		}
	}

	pinned := containsString(s.pins[conversationId], id)
	if pinned == pin {
		s.mu.Unlock()
		return nil
	}

	fx := &effects{}
	if pin {
		s.pins[conversationId] = append(s.pins[conversationId], id)
	} else {
		s.pins[conversationId] = removeString(s.pins[conversationId], id)
	}
	fx.event(EventPinsChanged, conversationId)

	switch {
	case pendingMsg != nil:
		d, queued := s.deferredPins[pendingMsg.ClientMessageID]
		if queued && d.pin != pin {
			// the queued action is cancelled out
			delete(s.deferredPins, pendingMsg.ClientMessageID)
		} else {
			s.deferredPins[pendingMsg.ClientMessageID] = deferredPin{conversationId: conversationId, pin: pin}
		}
	case pin:
		fx.frames = append(fx.frames, s.frameLocked(transport.TypeMsgPin, conversationId, id, &transport.MsgPinData{
			ConversationID: conversationId,
			MessageID:      id,
		}))
	default:
		fx.frames = append(fx.frames, s.frameLocked(transport.TypeMsgUnpin, conversationId, id, &transport.MsgPinData{
			ConversationID: conversationId,
			MessageID:      id,
		}))
	}
	s.mu.Unlock()

	return s.apply(context.Background(), fx)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// MarkRead records the local user's read position, clears the unread count
// and tells the server. An empty lastReadMessageId means the newest message.
func (s *Store) MarkRead(ctx context.Context, conversationId, lastReadMessageId string) error {
	if conversationId == "" {
		return errcode.ErrInvalidParam
	}

	s.mu.Lock()
	if lastReadMessageId == "" {
		if tl := s.timelines[conversationId]; tl != nil {
			if m := tl.newestSynced(); m != nil {
				lastReadMessageId = m.ID
			}
		}
	} else if tl := s.timelines[conversationId]; tl != nil {
		if m := tl.get(lastReadMessageId); m != nil {
			lastReadMessageId = m.ID
		}
	}
	if lastReadMessageId == "" {
		s.mu.Unlock()
		return nil
	}

	fx := &effects{}
	if c := s.accepted[conversationId]; c != nil && c.UnreadCount != 0 {
		c.UnreadCount = 0
		fx.event(EventConversationsChanged, conversationId)
	}
	if s.lastRead[conversationId] != lastReadMessageId {
		s.lastRead[conversationId] = lastReadMessageId
		id := lastReadMessageId
		fx.write(func(ctx context.Context) error {
			return s.state.SaveLastRead(ctx, conversationId, id)
		})
	}
	fx.frames = append(fx.frames, s.frameLocked(transport.TypeMsgRead, conversationId, lastReadMessageId, &transport.MsgReadData{
		ConversationID:    conversationId,
		LastReadMessageID: lastReadMessageId,
	}))
	s.mu.Unlock()

	return s.apply(ctx, fx)
}

// NotifyTyping signals that the local user is typing. A stop signal follows
// automatically once no further call arrives within the typing idle interval.
func (s *Store) NotifyTyping(conversationId string) {
	if conversationId == "" {
		return
	}

	s.mu.Lock()
	fx := &effects{}
	if e := s.localTyping[conversationId]; e != nil {
		e.timer.Stop()
	} else {
		fx.frames = append(fx.frames, s.typingFrameLocked(conversationId, true))
	}
	s.typingSeq++
	seq := s.typingSeq
	timer := s.clock.AfterFunc(s.cfg.TypingIdle, func() {
		s.localTypingIdle(conversationId, seq)
	})
	s.localTyping[conversationId] = &typingEntry{timer: timer, seq: seq}
	s.mu.Unlock()

	_ = s.apply(context.Background(), fx)
}

// StopTyping sends the stop signal now if a typing signal is active
func (s *Store) StopTyping(conversationId string) {
	s.mu.Lock()
	fx := &effects{}
	s.stopLocalTypingLocked(fx, conversationId)
	s.mu.Unlock()

	_ = s.apply(context.Background(), fx)
}

func (s *Store) stopLocalTypingLocked(fx *effects, conversationId string) {
	e := s.localTyping[conversationId]
	if e == nil {
		return
	}
	e.timer.Stop()
	delete(s.localTyping, conversationId)
	fx.frames = append(fx.frames, s.typingFrameLocked(conversationId, false))
}

func (s *Store) localTypingIdle(conversationId string, seq uint64) {
	s.mu.Lock()
	e := s.localTyping[conversationId]
	if e == nil || e.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.localTyping, conversationId)
	fx := &effects{}
	fx.frames = append(fx.frames, s.typingFrameLocked(conversationId, false))
	s.mu.Unlock()

	_ = s.apply(context.Background(), fx)
}

func (s *Store) typingFrameLocked(conversationId string, typing bool) *transport.Frame {
	return s.frameLocked(transport.TypeTyping, conversationId, "", &transport.TypingData{
		ConversationID: conversationId,
		IsTyping:       typing,
	})
}

// UploadFile uploads an attachment to be referenced by a later SendMessage
func (s *Store) UploadFile(ctx context.Context, fileName string, r io.Reader) (*sdk.Attachment, error) {
	if fileName == "" || r == nil {
		return nil, errcode.ErrInvalidParam
	}
	att, err := s.api.UploadFile(ctx, fileName, r)
	if err != nil {
		s.checkAuth(err)
		log.CtxWarn(ctx, "upload file failed: name=%s, err=%v", fileName, err)
		return nil, err
	}
	log.CtxInfo(ctx, "file uploaded: name=%s, file_id=%s, size=%d", fileName, att.FileID, att.Size)
	return att, nil
}
