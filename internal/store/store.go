package store

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/rtchat/internal/clock"
	"github.com/mbeoliero/rtchat/internal/config"
	"github.com/mbeoliero/rtchat/internal/metrics"
	"github.com/mbeoliero/rtchat/internal/persist"
	"github.com/mbeoliero/rtchat/internal/transport"
	"github.com/mbeoliero/rtchat/pkg/idgen"
	"github.com/mbeoliero/rtchat/sdk"
)

// Sender delivers outbound frames, queueing them while disconnected
type Sender interface {
	Send(f *transport.Frame)
}

// API is the request/response surface the store needs
type API interface {
	ListConversations(ctx context.Context) ([]*sdk.Conversation, error)
	ListPendingConversations(ctx context.Context) ([]*sdk.Conversation, error)
	CreateDirectConversation(ctx context.Context, email string) (string, error)
	AcceptConversation(ctx context.Context, conversationId string) error
	RejectConversation(ctx context.Context, conversationId string, deleteHistory bool) error
	GetMessages(ctx context.Context, conversationId string, q *sdk.MessageQuery) (*sdk.MessagePage, error)
	GetPins(ctx context.Context, conversationId string) ([]string, error)
	UploadFile(ctx context.Context, fileName string, r io.Reader) (*sdk.Attachment, error)
}

// Profile fills the sender display fields of optimistic messages
type Profile struct {
	Email       string
	DisplayName string
	AvatarURL   string
}

// Options configures a Store
type Options struct {
	UserID  string
	Profile Profile
	Sender  Sender
	API     API
	State   persist.Store
	Clock   clock.Clock
	Config  config.ChatConfig
}

// EventKind names what changed
type EventKind string

const (
	EventConversationsChanged EventKind = "conversations_changed"
	EventMessagesChanged      EventKind = "messages_changed"
	EventPinsChanged          EventKind = "pins_changed"
	EventTypingChanged        EventKind = "typing_changed"
	EventError                EventKind = "error"
	EventAuthFailed           EventKind = "auth_failed"
)

// Event notifies subscribers after a state transition completed
type Event struct {
	Kind           EventKind
	ConversationID string
	MessageID      string
	ReqID          string
	Err            error
}

// Store is the reconciliation store: the single source of truth for
// conversations, messages, pins, typing and receipts on this client.
type Store struct {
	userId  string
	profile Profile
	sender  Sender
	api     API
	state   persist.Store
	clock   clock.Clock
	cfg     config.ChatConfig

	mu        sync.Mutex
	accepted  map[string]*sdk.Conversation
	pending   map[string]*sdk.Conversation
	rejected  map[string]struct{}
	timelines map[string]*timeline
	pins      map[string][]string
	// client message id -> pin (true) or unpin (false) waiting for the ack
	deferredPins map[string]deferredPin
	typing       map[string]map[string]*typingEntry
	localTyping  map[string]*typingEntry
	typingSeq    uint64
	cursors      map[string]persist.Cursor
	lastRead     map[string]string
	hidden       map[string]map[string]struct{}
	hydrated     map[string]bool
	requests     *requestLog

	subMu   sync.RWMutex
	subs    map[uint64]func(Event)
	nextSub uint64
}

type deferredPin struct {
	conversationId string
	pin            bool
}

type typingEntry struct {
	timer clock.Timer
	seq   uint64
}

// New creates a Store
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.State == nil {
		opts.State = persist.NewMemoryStore()
	}
	s := &Store{
		userId:  opts.UserID,
		profile: opts.Profile,
		sender:  opts.Sender,
		api:     opts.API,
		state:   opts.State,
		clock:   opts.Clock,
		cfg:     opts.Config,
		subs:    make(map[uint64]func(Event)),
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.accepted = make(map[string]*sdk.Conversation)
	s.pending = make(map[string]*sdk.Conversation)
	s.rejected = make(map[string]struct{})
	s.timelines = make(map[string]*timeline)
	s.pins = make(map[string][]string)
	s.deferredPins = make(map[string]deferredPin)
	s.typing = make(map[string]map[string]*typingEntry)
	s.localTyping = make(map[string]*typingEntry)
	s.cursors = make(map[string]persist.Cursor)
	s.lastRead = make(map[string]string)
	s.hidden = make(map[string]map[string]struct{})
	s.hydrated = make(map[string]bool)
	s.requests = newRequestLog(requestLogSize)
}

// UserID returns the local user id
func (s *Store) UserID() string {
	return s.userId
}

// Load restores persisted cursors, last-read markers and hidden ids
func (s *Store) Load(ctx context.Context) error {
	st, err := s.state.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for conv, c := range st.Cursors {
		s.cursors[conv] = c
	}
	for conv, id := range st.LastRead {
		s.lastRead[conv] = id
	}
	for conv, list := range st.Hidden {
		set := s.hiddenSetLocked(conv)
		for _, id := range list {
			set[id] = struct{}{}
			if tl := s.timelines[conv]; tl != nil {
				tl.remove(id)
			}
		}
	}
	s.mu.Unlock()

	log.CtxInfo(ctx, "local state loaded: user_id=%s, cursors=%d, hidden_conversations=%d", s.userId, len(st.Cursors), len(st.Hidden))
	s.emit(Event{Kind: EventConversationsChanged}, Event{Kind: EventMessagesChanged})
	return nil
}

// Reset drops all in-memory state, e.g. on logout. Subscribers are kept.
func (s *Store) Reset() {
	s.mu.Lock()
	for _, users := range s.typing {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	for _, e := range s.localTyping {
		e.timer.Stop()
	}
	pendingCount := 0
	for _, tl := range s.timelines {
		for _, m := range tl.msgs {
			if m.Status == sdk.MessageStatusPending {
				pendingCount++
			}
		}
	}
	s.resetLocked()
	s.mu.Unlock()

	metrics.PendingMessages.Sub(float64(pendingCount))
	s.emit(Event{Kind: EventConversationsChanged}, Event{Kind: EventMessagesChanged})
}

// Subscribe registers f for every event. The returned func unsubscribes.
// f runs outside the store lock and may call back into the store.
func (s *Store) Subscribe(f func(Event)) func() {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = f
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.subMu.RLock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, f := range s.subs {
		subs = append(subs, f)
	}
	s.subMu.RUnlock()

	for _, ev := range events {
		for _, f := range subs {
			f(ev)
		}
	}
}

// ===== Queries =====

// Conversations returns accepted conversations, most recent activity first
func (s *Store) Conversations() []*sdk.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedConversations(s.accepted)
}

// PendingConversations returns conversations awaiting the local user's decision
func (s *Store) PendingConversations() []*sdk.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedConversations(s.pending)
}

func sortedConversations(set map[string]*sdk.Conversation) []*sdk.Conversation {
	out := make([]*sdk.Conversation, 0, len(set))
	for _, c := range set {
		out = append(out, c.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i].ActivityAt(), out[j].ActivityAt()
		if ai.Equal(aj) {
			return out[i].ID < out[j].ID
		}
		return ai.After(aj)
	})
	return out
}

// Conversation returns a conversation from either partition
func (s *Store) Conversation(conversationId string) (*sdk.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.accepted[conversationId]; ok {
		return c.Clone(), true
	}
	if c, ok := s.pending[conversationId]; ok {
		return c.Clone(), true
	}
	return nil, false
}

// Messages returns the visible timeline of a conversation, oldest first
func (s *Store) Messages(conversationId string) []*sdk.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl := s.timelines[conversationId]
	if tl == nil {
		return nil
	}
	return tl.snapshot()
}

// Message returns one message by server or client id
func (s *Store) Message(conversationId, messageId string) (*sdk.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl := s.timelines[conversationId]
	if tl == nil {
		return nil, false
	}
	m := tl.get(messageId)
	if m == nil {
		return nil, false
	}
	return m.Clone(), true
}

// Pins returns the pinned message ids of a conversation
func (s *Store) Pins(conversationId string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pins[conversationId]...)
}

// TypingUsers returns the remote users currently typing, sorted
func (s *Store) TypingUsers(conversationId string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.typing[conversationId]))
	for uid := range s.typing[conversationId] {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Cursor returns the newest message observed for a conversation
func (s *Store) Cursor(conversationId string) persist.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[conversationId]
}

// Cursors returns conversation id -> cursor message id for every known cursor
func (s *Store) Cursors() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.cursors))
	for conv, c := range s.cursors {
		if c.MessageID != "" {
			out[conv] = c.MessageID
		}
	}
	return out
}

// LastRead returns the persisted last-read message id
func (s *Store) LastRead(conversationId string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRead[conversationId]
}

// Hidden returns the ids hidden locally in a conversation, sorted
func (s *Store) Hidden(conversationId string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.hidden[conversationId]))
	for id := range s.hidden[conversationId] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsRejected reports whether the conversation was rejected and not re-admitted
func (s *Store) IsRejected(conversationId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rejected[conversationId]
	return ok
}

// ===== Internal helpers =====

// effects collects what a transition must do once the lock is released
type effects struct {
	frames []*transport.Frame
	writes []func(ctx context.Context) error
	events []Event
}

func (fx *effects) event(kind EventKind, conversationId string) {
	fx.events = append(fx.events, Event{Kind: kind, ConversationID: conversationId})
}

func (fx *effects) write(f func(ctx context.Context) error) {
	fx.writes = append(fx.writes, f)
}

// apply sends frames, runs persistence writes and notifies subscribers.
// The first write error is returned; later writes still run.
func (s *Store) apply(ctx context.Context, fx *effects) error {
	for _, f := range fx.frames {
		if f != nil && s.sender != nil {
			s.sender.Send(f)
		}
	}
	var firstErr error
	for _, w := range fx.writes {
		if err := w(ctx); err != nil {
			log.CtxWarn(ctx, "persist local state failed: user_id=%s, err=%v", s.userId, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.emit(fx.events...)
	return firstErr
}

// frameLocked builds an outbound frame and remembers its request id so a
// later error frame can be attributed to it
func (s *Store) frameLocked(typ, conversationId, messageId string, data interface{}) *transport.Frame {
	reqId := idgen.RequestID(reqPrefix(typ))
	f, err := transport.NewFrame(typ, reqId, data)
	if err != nil {
		log.CtxError(context.Background(), "encode frame failed: type=%s, err=%v", typ, err)
		return nil
	}
	s.requests.add(reqId, request{typ: typ, conversationId: conversationId, messageId: messageId})
	return f
}

func reqPrefix(typ string) string {
	switch typ {
	case transport.TypeMsgSend:
		return "send"
	case transport.TypeConvSync:
		return "sync"
	case transport.TypeConvJoin:
		return "join"
	default:
		return "req"
	}
}

func (s *Store) timelineLocked(conversationId string) *timeline {
	tl := s.timelines[conversationId]
	if tl == nil {
		tl = newTimeline()
		s.timelines[conversationId] = tl
	}
	return tl
}

func (s *Store) hiddenSetLocked(conversationId string) map[string]struct{} {
	set := s.hidden[conversationId]
	if set == nil {
		set = make(map[string]struct{})
		s.hidden[conversationId] = set
	}
	return set
}

func (s *Store) isHiddenLocked(conversationId, messageId string) bool {
	_, ok := s.hidden[conversationId][messageId]
	return ok
}

func (s *Store) isRejectedLocked(conversationId string) bool {
	_, ok := s.rejected[conversationId]
	return ok
}

// advanceCursorLocked moves the sync cursor forward to m when m is newer
func (s *Store) advanceCursorLocked(fx *effects, m *sdk.Message) {
	if m == nil || m.Status == sdk.MessageStatusPending {
		return
	}
	s.advanceCursorToLocked(fx, m.ConversationID, m.ID, m.CreatedAt)
}

func (s *Store) advanceCursorToLocked(fx *effects, conversationId, messageId string, at time.Time) {
	cur, ok := s.cursors[conversationId]
	if ok && cur.MessageID != "" && (at.Before(cur.CreatedAt) || cur.MessageID == messageId) {
		return
	}
	next := persist.Cursor{MessageID: messageId, CreatedAt: at.UTC()}
	s.cursors[conversationId] = next
	fx.write(func(ctx context.Context) error {
		return s.state.SaveCursor(ctx, conversationId, next)
	})
}

// touchLastMessageLocked updates the conversation preview when m is the newest
func (s *Store) touchLastMessageLocked(m *sdk.Message) bool {
	c := s.accepted[m.ConversationID]
	if c == nil {
		c = s.pending[m.ConversationID]
	}
	if c == nil {
		return false
	}
	if c.LastMessage != nil && c.LastMessage.ID != m.ID && c.LastMessage.ID != m.ClientMessageID &&
		m.CreatedAt.Before(c.LastMessage.CreatedAt) {
		return false
	}
	c.LastMessage = &sdk.LastMessage{ID: m.ID, Content: m.Content, SenderID: m.SenderID, CreatedAt: m.CreatedAt}
	return true
}

// checkAuth reports an auth error from the request/response API to subscribers
func (s *Store) checkAuth(err error) {
	if err != nil && sdk.IsAuthError(err) {
		s.emit(Event{Kind: EventAuthFailed, Err: err})
	}
}
