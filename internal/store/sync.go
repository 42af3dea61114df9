package store

import (
	"context"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/rtchat/internal/metrics"
	"github.com/mbeoliero/rtchat/internal/transport"
	"github.com/mbeoliero/rtchat/pkg/errcode"
	"github.com/mbeoliero/rtchat/sdk"
)

// JoinConversation subscribes to a conversation's live traffic and brings its
// cache up to date: history is hydrated once when nothing is cached, then a
// sync after the cursor catches up, and the pin list is replaced with the
// server's. Failed fetches are logged and leave the cache as it was.
func (s *Store) JoinConversation(ctx context.Context, conversationId string) error {
	if conversationId == "" {
		return errcode.ErrInvalidParam
	}

	s.mu.Lock()
	if s.isRejectedLocked(conversationId) {
		s.mu.Unlock()
		return errcode.ErrConvRejected
	}
	if _, ok := s.pending[conversationId]; ok {
		s.mu.Unlock()
		return errcode.ErrConvNotAccepted
	}
	tl := s.timelines[conversationId]
	hydrate := (tl == nil || tl.len() == 0) && !s.hydrated[conversationId]
	if hydrate {
		s.hydrated[conversationId] = true
	}
	fx := &effects{}
	fx.frames = append(fx.frames, s.frameLocked(transport.TypeConvJoin, conversationId, "", &transport.ConvJoinData{
		ConversationID: conversationId,
	}))
	s.mu.Unlock()
	_ = s.apply(ctx, fx)

	log.CtxDebug(ctx, "join conversation: conversation_id=%s, hydrate=%v", conversationId, hydrate)

	if hydrate {
		if err := s.hydrate(ctx, conversationId); err != nil {
			if sdk.IsAuthError(err) {
				return err
			}
		}
	}

	s.SyncConversation(conversationId)

	if err := s.refreshPins(ctx, conversationId); err != nil && sdk.IsAuthError(err) {
		return err
	}
	return nil
}

// hydrate loads the most recent history page into an empty cache
func (s *Store) hydrate(ctx context.Context, conversationId string) error {
	page, err := s.api.GetMessages(ctx, conversationId, &sdk.MessageQuery{Limit: s.cfg.HistoryPageSize})
	if err != nil {
		metrics.HydrationFailures.Inc()
		log.CtxWarn(ctx, "hydrate history failed: conversation_id=%s, err=%v", conversationId, err)
		s.mu.Lock()
		delete(s.hydrated, conversationId)
		s.mu.Unlock()
		s.checkAuth(err)
		return err
	}

	s.mu.Lock()
	if s.isRejectedLocked(conversationId) {
		s.mu.Unlock()
		log.CtxDebug(ctx, "drop history for rejected conversation: conversation_id=%s", conversationId)
		return nil
	}
	fx := &effects{}
	for _, m := range page.Messages {
		if m == nil || m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationId
		}
		s.ingestLocked(fx, m, false)
	}
	s.mu.Unlock()

	log.CtxDebug(ctx, "history hydrated: conversation_id=%s, count=%d, has_more=%v", conversationId, len(page.Messages), page.HasMore)
	_ = s.apply(ctx, fx)
	return nil
}

// refreshPins replaces the pin list with the server's. Pins queued on
// messages that are still pending survive the replacement.
func (s *Store) refreshPins(ctx context.Context, conversationId string) error {
	ids, err := s.api.GetPins(ctx, conversationId)
	if err != nil {
		log.CtxWarn(ctx, "fetch pins failed: conversation_id=%s, err=%v", conversationId, err)
		s.checkAuth(err)
		return err
	}

	s.mu.Lock()
	if s.isRejectedLocked(conversationId) {
		s.mu.Unlock()
		return nil
	}
	next := append([]string(nil), ids...)
	for clientId, d := range s.deferredPins {
		if d.conversationId == conversationId && d.pin && !containsString(next, clientId) {
			next = append(next, clientId)
		}
	}
	s.pins[conversationId] = next
	fx := &effects{}
	fx.event(EventPinsChanged, conversationId)
	s.mu.Unlock()

	_ = s.apply(ctx, fx)
	return nil
}

// SyncConversation asks the server for messages after the local cursor
func (s *Store) SyncConversation(conversationId string) {
	s.mu.Lock()
	if s.isRejectedLocked(conversationId) {
		s.mu.Unlock()
		return
	}
	fx := &effects{}
	fx.frames = append(fx.frames, s.syncFrameLocked(conversationId))
	s.mu.Unlock()

	_ = s.apply(context.Background(), fx)
}

func (s *Store) syncFrameLocked(conversationId string) *transport.Frame {
	return s.frameLocked(transport.TypeConvSync, conversationId, "", &transport.ConvSyncData{
		ConversationID: conversationId,
		AfterMessageID: s.cursors[conversationId].MessageID,
		Limit:          s.cfg.SyncPageSize,
	})
}

// handleSyncResult merges a sync page and requests the next one while the
// server reports more
func (s *Store) handleSyncResult(f *transport.Frame) {
	var data transport.ConvSyncResultData
	if !decodeFrame(f, &data) {
		return
	}
	conv := data.ConversationID
	if conv == "" {
		log.Warn("drop sync result without conversation: req_id=%s", f.ReqID)
		return
	}

	s.mu.Lock()
	s.requests.take(f.ReqID)
	if s.isRejectedLocked(conv) {
		s.mu.Unlock()
		log.Debug("drop sync result for rejected conversation: conversation_id=%s", conv)
		return
	}
	fx := &effects{}
	before := s.cursors[conv].MessageID
	for _, m := range data.Messages {
		if m == nil || m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conv
		}
		s.ingestLocked(fx, m, false)
	}
	if data.HasMore {
		if s.cursors[conv].MessageID == before {
			log.Warn("sync cursor did not advance, stop paging: conversation_id=%s, cursor=%s", conv, before)
		} else {
			fx.frames = append(fx.frames, s.syncFrameLocked(conv))
		}
	}
	s.mu.Unlock()

	log.Debug("sync result merged: conversation_id=%s, count=%d, has_more=%v", conv, len(data.Messages), data.HasMore)
	_ = s.apply(context.Background(), fx)
}

// Rejoin runs the join sequence for every accepted conversation, e.g. after
// the transport reconnected
func (s *Store) Rejoin(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.accepted))
	for id := range s.accepted {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.JoinConversation(ctx, id); err != nil {
			if sdk.IsAuthError(err) {
				return err
			}
			log.CtxWarn(ctx, "rejoin conversation failed: conversation_id=%s, err=%v", id, err)
		}
	}
	log.CtxInfo(ctx, "rejoined conversations: count=%d", len(ids))
	return nil
}

// LoadConversations replaces the accepted partition with the server's list.
// A locally newer preview (e.g. an optimistic send) is kept.
func (s *Store) LoadConversations(ctx context.Context) ([]*sdk.Conversation, error) {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		s.checkAuth(err)
		log.CtxWarn(ctx, "list conversations failed: err=%v", err)
		return nil, err
	}

	s.mu.Lock()
	next := make(map[string]*sdk.Conversation, len(list))
	for _, c := range list {
		if c == nil || c.ID == "" {
			continue
		}
		// only a conv:upsert re-admits a rejected conversation
		if s.isRejectedLocked(c.ID) {
			continue
		}
		c = c.Clone()
		if c.IsPendingFor(s.userId) {
			s.pending[c.ID] = c
			continue
		}
		if old := s.accepted[c.ID]; old != nil && old.LastMessage != nil &&
			(c.LastMessage == nil || old.LastMessage.CreatedAt.After(c.LastMessage.CreatedAt)) {
			lm := *old.LastMessage
			c.LastMessage = &lm
		}
		delete(s.pending, c.ID)
		next[c.ID] = c
	}
	s.accepted = next
	out := sortedConversations(s.accepted)
	s.mu.Unlock()

	log.CtxInfo(ctx, "conversations loaded: count=%d", len(out))
	s.emit(Event{Kind: EventConversationsChanged})
	return out, nil
}

// LoadPendingConversations replaces the pending partition with the server's list
func (s *Store) LoadPendingConversations(ctx context.Context) ([]*sdk.Conversation, error) {
	list, err := s.api.ListPendingConversations(ctx)
	if err != nil {
		s.checkAuth(err)
		log.CtxWarn(ctx, "list pending conversations failed: err=%v", err)
		return nil, err
	}

	s.mu.Lock()
	next := make(map[string]*sdk.Conversation, len(list))
	for _, c := range list {
		if c == nil || c.ID == "" {
			continue
		}
		if s.isRejectedLocked(c.ID) {
			continue
		}
		if _, ok := s.accepted[c.ID]; ok && !c.IsPendingFor(s.userId) {
			continue
		}
		delete(s.accepted, c.ID)
		next[c.ID] = c.Clone()
	}
	s.pending = next
	out := sortedConversations(s.pending)
	s.mu.Unlock()

	log.CtxDebug(ctx, "pending conversations loaded: count=%d", len(out))
	s.emit(Event{Kind: EventConversationsChanged})
	return out, nil
}

// CreateDirectConversation opens (or finds) the direct conversation with the
// user owning email and joins it once it is known locally
func (s *Store) CreateDirectConversation(ctx context.Context, email string) (string, error) {
	if email == "" {
		return "", errcode.ErrInvalidParam
	}
	id, err := s.api.CreateDirectConversation(ctx, email)
	if err != nil {
		s.checkAuth(err)
		log.CtxWarn(ctx, "create direct conversation failed: err=%v", err)
		return "", err
	}

	// opening it again is an explicit re-admission
	s.mu.Lock()
	delete(s.rejected, id)
	_, known := s.accepted[id]
	s.mu.Unlock()
	if !known {
		if _, err := s.LoadConversations(ctx); err != nil {
			return id, nil
		}
	}

	s.mu.Lock()
	_, accepted := s.accepted[id]
	s.mu.Unlock()
	if accepted {
		if err := s.JoinConversation(ctx, id); err != nil {
			log.CtxWarn(ctx, "join new conversation failed: conversation_id=%s, err=%v", id, err)
		}
	}
	log.CtxInfo(ctx, "direct conversation ready: conversation_id=%s", id)
	return id, nil
}
