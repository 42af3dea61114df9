package store

import (
	"context"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/rtchat/internal/metrics"
	"github.com/mbeoliero/rtchat/internal/transport"
	"github.com/mbeoliero/rtchat/pkg/errcode"
	"github.com/mbeoliero/rtchat/sdk"
)

// AcceptConversation accepts a pending conversation: it moves to the accepted
// partition and is joined
func (s *Store) AcceptConversation(ctx context.Context, conversationId string) error {
	s.mu.Lock()
	_, isPending := s.pending[conversationId]
	_, isAccepted := s.accepted[conversationId]
	s.mu.Unlock()
	if isAccepted {
		return nil
	}
	if !isPending {
		return errcode.ErrConvNotPending
	}

	if err := s.api.AcceptConversation(ctx, conversationId); err != nil {
		s.checkAuth(err)
		log.CtxWarn(ctx, "accept conversation failed: conversation_id=%s, err=%v", conversationId, err)
		return err
	}

	s.mu.Lock()
	c := s.pending[conversationId]
	if c == nil {
		// moved meanwhile, e.g. by an upsert from another device
		c = s.accepted[conversationId]
	}
	if c != nil {
		if m := c.Member(s.userId); m != nil {
			m.IsAccepted = true
		}
		delete(s.pending, conversationId)
		delete(s.rejected, conversationId)
		s.accepted[conversationId] = c
	}
	s.mu.Unlock()

	log.CtxInfo(ctx, "conversation accepted: conversation_id=%s", conversationId)
	s.emit(Event{Kind: EventConversationsChanged, ConversationID: conversationId})

	if c == nil {
		return nil
	}
	return s.JoinConversation(ctx, conversationId)
}

// RejectConversation declines a pending conversation. With deleteHistory the
// cached and persisted data of the conversation is purged as well.
func (s *Store) RejectConversation(ctx context.Context, conversationId string, deleteHistory bool) error {
	s.mu.Lock()
	_, isPending := s.pending[conversationId]
	_, isAccepted := s.accepted[conversationId]
	s.mu.Unlock()
	if !isPending {
		if isAccepted {
			return errcode.ErrConvNotPending
		}
		return errcode.ErrConvNotFound
	}

	if err := s.api.RejectConversation(ctx, conversationId, deleteHistory); err != nil {
		s.checkAuth(err)
		log.CtxWarn(ctx, "reject conversation failed: conversation_id=%s, err=%v", conversationId, err)
		return err
	}

	s.mu.Lock()
	fx := &effects{}
	delete(s.pending, conversationId)
	delete(s.accepted, conversationId)
	s.rejected[conversationId] = struct{}{}
	s.clearTypingLocked(conversationId)
	if deleteHistory {
		s.purgeLocked(fx, conversationId)
	}
	fx.event(EventConversationsChanged, conversationId)
	s.mu.Unlock()

	log.CtxInfo(ctx, "conversation rejected: conversation_id=%s, delete_history=%v", conversationId, deleteHistory)
	return s.apply(ctx, fx)
}

// purgeLocked drops every cached and persisted trace of a conversation
func (s *Store) purgeLocked(fx *effects, conversationId string) {
	if tl := s.timelines[conversationId]; tl != nil {
		pendingCount := 0
		for _, m := range tl.msgs {
			if m.Status == sdk.MessageStatusPending {
				pendingCount++
				delete(s.deferredPins, m.ClientMessageID)
			}
		}
		metrics.PendingMessages.Sub(float64(pendingCount))
	}
	delete(s.timelines, conversationId)
	delete(s.pins, conversationId)
	delete(s.cursors, conversationId)
	delete(s.lastRead, conversationId)
	delete(s.hidden, conversationId)
	delete(s.hydrated, conversationId)
	fx.write(func(ctx context.Context) error {
		return s.state.ForgetConversation(ctx, conversationId)
	})
	fx.event(EventMessagesChanged, conversationId)
	fx.event(EventPinsChanged, conversationId)
}

func (s *Store) clearTypingLocked(conversationId string) {
	for _, e := range s.typing[conversationId] {
		e.timer.Stop()
	}
	delete(s.typing, conversationId)
	if e := s.localTyping[conversationId]; e != nil {
		e.timer.Stop()
		delete(s.localTyping, conversationId)
	}
}

// handleUpsert routes a conversation snapshot by the local user's own
// membership flag. A conversation that becomes accepted here (created by
// someone else, or accepted on another device) is joined.
func (s *Store) handleUpsert(f *transport.Frame) {
	var data transport.ConvUpsertData
	if !decodeFrame(f, &data) {
		return
	}
	c := data.Conversation
	if c == nil || c.ID == "" {
		log.Warn("drop upsert without conversation: req_id=%s", f.ReqID)
		return
	}
	c = c.Clone()

	s.mu.Lock()
	delete(s.rejected, c.ID)
	join := false
	pending := c.IsPendingFor(s.userId)
	if pending {
		delete(s.accepted, c.ID)
		s.pending[c.ID] = c
	} else {
		old, wasAccepted := s.accepted[c.ID]
		if wasAccepted && old.LastMessage != nil &&
			(c.LastMessage == nil || old.LastMessage.CreatedAt.After(c.LastMessage.CreatedAt)) {
			lm := *old.LastMessage
			c.LastMessage = &lm
		}
		delete(s.pending, c.ID)
		s.accepted[c.ID] = c
		join = !wasAccepted
	}
	s.mu.Unlock()

	log.Debug("conversation upserted: conversation_id=%s, pending=%v", c.ID, pending)
	s.emit(Event{Kind: EventConversationsChanged, ConversationID: c.ID})

	if join {
		go func(id string) {
			ctx := context.Background()
			if err := s.JoinConversation(ctx, id); err != nil {
				log.CtxWarn(ctx, "join upserted conversation failed: conversation_id=%s, err=%v", id, err)
			}
		}(c.ID)
	}
}

// handleRejected removes a conversation the other party rejected
func (s *Store) handleRejected(f *transport.Frame) {
	var data transport.ConvRejectedData
	if !decodeFrame(f, &data) {
		return
	}
	conv := data.ConversationID
	if conv == "" {
		return
	}

	s.mu.Lock()
	fx := &effects{}
	delete(s.pending, conv)
	delete(s.accepted, conv)
	s.rejected[conv] = struct{}{}
	s.clearTypingLocked(conv)
	s.purgeLocked(fx, conv)
	fx.event(EventConversationsChanged, conv)
	s.mu.Unlock()

	log.Info("conversation rejected by member: conversation_id=%s, rejected_by=%s", conv, data.RejectedBy)
	_ = s.apply(context.Background(), fx)
}
