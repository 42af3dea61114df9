// Package session wires the push channel, the request/response client and the
// reconciliation store into one signed-in chat session.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/rtchat/internal/clock"
	"github.com/mbeoliero/rtchat/internal/config"
	"github.com/mbeoliero/rtchat/internal/persist"
	"github.com/mbeoliero/rtchat/internal/store"
	"github.com/mbeoliero/rtchat/internal/transport"
	"github.com/mbeoliero/rtchat/pkg/errcode"
	"github.com/mbeoliero/rtchat/pkg/idgen"
	"github.com/mbeoliero/rtchat/pkg/jwt"
	"github.com/mbeoliero/rtchat/sdk"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrInvalidCron    = errors.New("invalid pending refresh schedule")
)

// API is the request/response client a session drives
type API interface {
	store.API
	SetToken(token string)
	GetToken() string
	LookupUser(ctx context.Context, email string) (*sdk.UserInfo, error)
}

// StateOpener opens local persistence for a user
type StateOpener func(cfg config.StorageConfig, userId string) (persist.Store, error)

// Session is one signed-in user. Start and Logout may be called repeatedly.
type Session struct {
	cfg       *config.Config
	api       API
	transport *transport.Client
	clock     clock.Clock
	openState StateOpener

	mu        sync.Mutex
	running   bool
	userId    string
	store     *store.Store
	state     persist.Store
	detach    []func()
	refresh   clock.Timer
	epoch     uint64 // bumped on every start and logout; stale timers compare against it
	logoutFns []func(error)
	offFns    []func(error)
}

type options struct {
	api       API
	dialer    transport.Dialer
	clock     clock.Clock
	openState StateOpener
}

// Option configures a session
type Option func(*options)

// WithAPI replaces the default request/response client
func WithAPI(api API) Option {
	return func(o *options) {
		o.api = api
	}
}

// WithDialer sets the push channel dialer
func WithDialer(d transport.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithClock drives timers and expiry checks from clk
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithStateOpener replaces persist.Open
func WithStateOpener(open StateOpener) Option {
	return func(o *options) {
		o.openState = open
	}
}

// New builds a session from cfg. Nothing is dialed until Start.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	o := &options{
		clock:     clock.Real(),
		openState: persist.Open,
	}
	for _, opt := range opts {
		opt(o)
	}

	if !gronx.IsValid(cfg.Chat.PendingRefreshCron) {
		return nil, errcode.ErrInvalidParam.Wrap(ErrInvalidCron)
	}

	if err := idgen.Init(cfg.Client.DeviceId); err != nil {
		return nil, err
	}

	if o.api == nil {
		api, err := sdk.NewClient(cfg.Server.APIURL())
		if err != nil {
			return nil, err
		}
		o.api = api
	}

	topts := []transport.Option{transport.WithClock(o.clock)}
	if o.dialer != nil {
		topts = append(topts, transport.WithDialer(o.dialer))
	}

	s := &Session{
		cfg:       cfg,
		api:       o.api,
		transport: transport.NewClient(cfg.Server.WSURL(), cfg.WebSocket, topts...),
		clock:     o.clock,
		openState: o.openState,
	}
	s.transport.OnOpen(s.handleOpen)
	s.transport.OnAuthFailure(s.handleAuthFailure)
	s.transport.OnOffline(s.handleOffline)
	return s, nil
}

// Start signs in with token: it opens local state, attaches the store to the
// push channel, connects and loads both conversation partitions.
func (s *Session) Start(ctx context.Context, token string) error {
	claims, err := jwt.InspectToken(token)
	if err != nil {
		return err
	}
	if err := jwt.CheckExpiry(claims, s.clock.Now()); err != nil {
		return err
	}
	userId := claims.GetUserId()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.running = true
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	state, err := s.openState(s.cfg.Storage, userId)
	if err != nil {
		s.abort(epoch)
		return err
	}

	s.api.SetToken(token)
	st := store.New(store.Options{
		UserID:  userId,
		Profile: s.profile(ctx, claims),
		Sender:  s.transport,
		API:     s.api,
		State:   state,
		Clock:   s.clock,
		Config:  s.cfg.Chat,
	})
	if err := st.Load(ctx); err != nil {
		_ = state.Close()
		s.abort(epoch)
		return err
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		_ = state.Close()
		return ErrNotStarted
	}
	s.userId = userId
	s.store = st
	s.state = state
	s.detach = []func(){
		st.Attach(s.transport),
		st.Subscribe(func(ev store.Event) {
			if ev.Kind == store.EventAuthFailed {
				go s.handleAuthFailure(ev.Err)
			}
		}),
	}
	s.scheduleRefreshLocked(epoch)
	s.mu.Unlock()

	log.CtxInfo(ctx, "session starting: user_id=%s, storage=%s", userId, s.cfg.Storage.Driver)

	if err := s.transport.Connect(ctx, token); err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			return err
		}
		// the transport keeps retrying; frames queue until it opens
		log.CtxWarn(ctx, "push channel not open yet: error=%v", err)
	}

	if _, err := st.LoadConversations(ctx); err != nil {
		log.CtxWarn(ctx, "load conversations failed: error=%v", err)
		if sdk.IsAuthError(err) {
			return err
		}
	}
	if _, err := st.LoadPendingConversations(ctx); err != nil {
		log.CtxWarn(ctx, "load pending conversations failed: error=%v", err)
		if sdk.IsAuthError(err) {
			return err
		}
	}
	return st.Rejoin(ctx)
}

func (s *Session) abort(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch == s.epoch {
		s.running = false
	}
}

// profile fills display fields for optimistic messages, best effort
func (s *Session) profile(ctx context.Context, claims *jwt.Claims) store.Profile {
	p := store.Profile{Email: claims.Email}
	if claims.Email == "" {
		return p
	}
	info, err := s.api.LookupUser(ctx, claims.Email)
	if err != nil {
		log.CtxDebug(ctx, "profile lookup failed: email=%s, error=%v", claims.Email, err)
		return p
	}
	p.DisplayName = info.DisplayName
	p.AvatarURL = info.AvatarURL
	return p
}

// Logout disconnects, drops every cached conversation and closes local state.
// It is a no-op when the session is not running.
func (s *Session) Logout() {
	s.logout(nil)
}

func (s *Session) logout(cause error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.epoch++
	if s.refresh != nil {
		s.refresh.Stop()
		s.refresh = nil
	}
	detach := s.detach
	st, state, userId := s.store, s.state, s.userId
	s.detach = nil
	s.store, s.state, s.userId = nil, nil, ""
	hooks := append([]func(error){}, s.logoutFns...)
	s.mu.Unlock()

	s.transport.Disconnect()
	for _, f := range detach {
		f()
	}
	if st != nil {
		st.Reset()
	}
	if state != nil {
		if err := state.Close(); err != nil {
			log.Warn("close local state failed: user_id=%s, error=%v", userId, err)
		}
	}
	s.api.SetToken("")
	log.Info("session logged out: user_id=%s, cause=%v", userId, cause)

	for _, f := range hooks {
		f(cause)
	}
}

// OnLogout registers f to run after every logout. cause is nil for Logout and
// the rejected credential error otherwise.
func (s *Session) OnLogout(f func(cause error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutFns = append(s.logoutFns, f)
}

// OnOffline registers f to run when the push channel gives up reconnecting.
// err matches errcode.ErrOffline. The session stays signed in; Reconnect
// starts over.
func (s *Session) OnOffline(f func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offFns = append(s.offFns, f)
}

// Reconnect dials again after the session went offline
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	token := s.api.GetToken()
	return s.transport.Connect(ctx, token)
}

// Store returns the running session's store, or nil
func (s *Session) Store() *store.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Transport returns the push channel client
func (s *Session) Transport() *transport.Client {
	return s.transport
}

// UserID returns the signed-in user, or "" when not running
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userId
}

// Running reports whether Start succeeded and Logout has not run since
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) handleOpen(reconnect bool) {
	s.mu.Lock()
	st := s.store
	s.mu.Unlock()
	if st == nil {
		return
	}

	hello, err := transport.NewFrame(transport.TypeClientHello, "", transport.ClientHelloData{
		DeviceID:   s.cfg.Client.DeviceId,
		AppVersion: s.cfg.Client.AppVersion,
		LastSync:   st.Cursors(),
	})
	if err != nil {
		log.Warn("encode client hello failed: error=%v", err)
		return
	}
	s.transport.Send(hello)

	if reconnect {
		go func() {
			if err := st.Rejoin(context.Background()); err != nil {
				log.Warn("rejoin after reconnect failed: error=%v", err)
			}
		}()
	}
}

func (s *Session) handleOffline(err error) {
	s.mu.Lock()
	hooks := append([]func(error){}, s.offFns...)
	s.mu.Unlock()
	log.Warn("push channel offline: error=%v", err)
	for _, f := range hooks {
		f(err)
	}
}

func (s *Session) handleAuthFailure(err error) {
	log.Warn("credential rejected, logging out: error=%v", err)
	s.logout(err)
}

// scheduleRefreshLocked arms the pending list refresh for the next cron tick
func (s *Session) scheduleRefreshLocked(epoch uint64) {
	now := s.clock.Now()
	next, err := gronx.NextTickAfter(s.cfg.Chat.PendingRefreshCron, now, false)
	if err != nil {
		log.Warn("pending refresh disabled: cron=%s, error=%v", s.cfg.Chat.PendingRefreshCron, err)
		return
	}
	s.refresh = s.clock.AfterFunc(next.Sub(now), func() {
		s.refreshPending(epoch)
	})
}

func (s *Session) refreshPending(epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	st := s.store
	s.scheduleRefreshLocked(epoch)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	list, err := st.LoadPendingConversations(ctx)
	if err != nil {
		log.CtxWarn(ctx, "pending refresh failed: error=%v", err)
		return
	}
	log.CtxDebug(ctx, "pending refreshed: count=%d", len(list))
}
