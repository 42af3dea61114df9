package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/rtchat/internal/clock"
	"github.com/mbeoliero/rtchat/internal/config"
	"github.com/mbeoliero/rtchat/internal/transport"
	"github.com/mbeoliero/rtchat/pkg/errcode"
	"github.com/mbeoliero/rtchat/pkg/jwt"
	"github.com/mbeoliero/rtchat/sdk"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

var created = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// chatServer serves the REST routes and the push channel. Credentials for
// user "blocked" are refused on both.
type chatServer struct {
	srv *httptest.Server

	mu           sync.Mutex
	frames       []*transport.Frame
	conns        []*websocket.Conn
	pendingCalls int
}

func allowed(token string) bool {
	claims, err := jwt.InspectToken(token)
	return err == nil && claims.GetUserId() != "blocked"
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	cs := &chatServer{}
	upgrader := websocket.Upgrader{}

	r := mux.NewRouter()
	r.HandleFunc("/ws/rt", func(w http.ResponseWriter, req *http.Request) {
		if !allowed(req.URL.Query().Get(transport.QueryToken)) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		cs.mu.Lock()
		cs.conns = append(cs.conns, conn)
		cs.mu.Unlock()
		cs.serve(conn)
	})

	api := r.PathPrefix("/rt").Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !allowed(strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	api.HandleFunc("/conversations", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, []*sdk.Conversation{{
			ID:        "c1",
			Type:      "direct",
			CreatedAt: created,
			UpdatedAt: created,
			Members: []sdk.Member{
				{UserID: "u1", IsAccepted: true},
				{UserID: "u2", IsAccepted: true},
			},
		}})
	}).Methods(http.MethodGet)
	api.HandleFunc("/conversations/pending", func(w http.ResponseWriter, req *http.Request) {
		cs.mu.Lock()
		cs.pendingCalls++
		cs.mu.Unlock()
		writeJSON(w, http.StatusOK, []*sdk.Conversation{{
			ID:      "c2",
			Type:    "direct",
			Members: []sdk.Member{{UserID: "u1", IsAccepted: false}, {UserID: "u3", IsAccepted: true}},
		}})
	}).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, sdk.MessagePage{Messages: []*sdk.Message{{
			ID:             "m1",
			ConversationID: mux.Vars(req)["id"],
			SenderID:       "u2",
			Content:        "hi",
			ContentType:    "text",
			CreatedAt:      created,
		}}})
	}).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/pins", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, sdk.PinsResponse{})
	}).Methods(http.MethodGet)

	cs.srv = httptest.NewServer(r)
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *chatServer) serve(conn *websocket.Conn) {
	defer conn.Close()
	if err := writeFrame(conn, transport.TypeServerHello, "", transport.ServerHelloData{HeartbeatIntervalMs: 60000}); err != nil {
		return
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := transport.Decode(raw)
		if err != nil {
			continue
		}
		cs.mu.Lock()
		cs.frames = append(cs.frames, f)
		cs.mu.Unlock()

		if f.Type == transport.TypeConvSync {
			var data transport.ConvSyncData
			if f.Decode(&data) != nil {
				continue
			}
			if err := writeFrame(conn, transport.TypeConvSyncResult, f.ReqID, transport.ConvSyncResultData{ConversationID: data.ConversationID}); err != nil {
				return
			}
		}
	}
}

// dropAll closes every open push channel from the server side
func (cs *chatServer) dropAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, c := range cs.conns {
		_ = c.Close()
	}
	cs.conns = nil
}

func (cs *chatServer) ofType(typ string) []*transport.Frame {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var out []*transport.Frame
	for _, f := range cs.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (cs *chatServer) pending() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.pendingCalls
}

func writeFrame(conn *websocket.Conn, typ, reqId string, data interface{}) error {
	f, err := transport.NewFrame(typ, reqId, data)
	if err != nil {
		return err
	}
	raw, err := transport.Encode(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(cs *chatServer) *config.Config {
	cfg := config.Default()
	cfg.Server.BaseURL = cs.srv.URL
	cfg.Storage.Driver = "memory"
	cfg.WebSocket.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.WebSocket.ReconnectMaxDelay = 50 * time.Millisecond
	return cfg
}

func token(t *testing.T, userId string, ttl time.Duration) string {
	t.Helper()
	tok, err := jwt.GenerateToken(userId, "secret", ttl)
	require.NoError(t, err)
	return tok
}

func newSession(t *testing.T, cs *chatServer, opts ...Option) *Session {
	t.Helper()
	s, err := New(testConfig(cs), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Logout)
	return s
}

func TestNew_RejectsInvalidCron(t *testing.T) {
	cfg := config.Default()
	cfg.Chat.PendingRefreshCron = "every five minutes"
	_, err := New(cfg)
	assert.ErrorIs(t, err, errcode.ErrInvalidParam)
}

func TestStart_RejectsDeadCredential(t *testing.T) {
	cs := newChatServer(t)
	s := newSession(t, cs)

	assert.ErrorIs(t, s.Start(context.Background(), ""), errcode.ErrTokenMissing)
	assert.ErrorIs(t, s.Start(context.Background(), "not-a-jwt"), errcode.ErrTokenInvalid)
	assert.ErrorIs(t, s.Start(context.Background(), token(t, "u1", -time.Minute)), errcode.ErrTokenExpired)
	assert.False(t, s.Running())
	assert.Empty(t, cs.ofType(transport.TypeClientHello))
}

func TestStart_HelloJoinAndHydrate(t *testing.T) {
	cs := newChatServer(t)
	s := newSession(t, cs)

	require.NoError(t, s.Start(context.Background(), token(t, "u1", time.Hour)))
	assert.Equal(t, "u1", s.UserID())
	assert.ErrorIs(t, s.Start(context.Background(), token(t, "u1", time.Hour)), ErrAlreadyStarted)

	st := s.Store()
	require.NotNil(t, st)
	require.Len(t, st.Conversations(), 1)
	require.Len(t, st.PendingConversations(), 1)

	require.Eventually(t, func() bool {
		return len(cs.ofType(transport.TypeConvSync)) >= 1
	}, waitFor, tick)
	hellos := cs.ofType(transport.TypeClientHello)
	require.Len(t, hellos, 1)
	var hello transport.ClientHelloData
	require.NoError(t, hellos[0].Decode(&hello))
	assert.Empty(t, hello.LastSync)

	joins := cs.ofType(transport.TypeConvJoin)
	require.NotEmpty(t, joins)
	var join transport.ConvJoinData
	require.NoError(t, joins[0].Decode(&join))
	assert.Equal(t, "c1", join.ConversationID)

	msgs := st.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestReconnect_HelloCarriesCursorsAndRejoins(t *testing.T) {
	cs := newChatServer(t)
	s := newSession(t, cs)
	require.NoError(t, s.Start(context.Background(), token(t, "u1", time.Hour)))
	require.Eventually(t, func() bool {
		return len(cs.ofType(transport.TypeConvSync)) >= 1
	}, waitFor, tick)
	joinsBefore := len(cs.ofType(transport.TypeConvJoin))

	cs.dropAll()

	require.Eventually(t, func() bool {
		return len(cs.ofType(transport.TypeClientHello)) == 2 &&
			len(cs.ofType(transport.TypeConvJoin)) > joinsBefore
	}, waitFor, tick)
	var hello transport.ClientHelloData
	require.NoError(t, cs.ofType(transport.TypeClientHello)[1].Decode(&hello))
	assert.Equal(t, map[string]string{"c1": "m1"}, hello.LastSync)
}

func TestAuthFailure_LogsOut(t *testing.T) {
	cs := newChatServer(t)
	s := newSession(t, cs)
	causes := make(chan error, 1)
	s.OnLogout(func(cause error) { causes <- cause })

	err := s.Start(context.Background(), token(t, "blocked", time.Hour))
	assert.ErrorIs(t, err, transport.ErrUnauthorized)

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, transport.ErrUnauthorized)
	case <-time.After(waitFor):
		t.Fatal("logout hook not called")
	}
	assert.False(t, s.Running())
	assert.Nil(t, s.Store())
}

func TestLogout_AllowsRestart(t *testing.T) {
	cs := newChatServer(t)
	s := newSession(t, cs)
	var causes []error
	s.OnLogout(func(cause error) { causes = append(causes, cause) })

	require.NoError(t, s.Start(context.Background(), token(t, "u1", time.Hour)))
	s.Logout()
	assert.False(t, s.Running())
	assert.Nil(t, s.Store())
	assert.Equal(t, transport.StatusClosed, s.Transport().Status())
	assert.Equal(t, []error{nil}, causes)

	// a second logout is a no-op
	s.Logout()
	assert.Len(t, causes, 1)

	require.NoError(t, s.Start(context.Background(), token(t, "u1", time.Hour)))
	assert.True(t, s.Running())
	assert.Len(t, s.Store().Conversations(), 1)
}

func TestPendingRefresh_FollowsSchedule(t *testing.T) {
	cs := newChatServer(t)
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC))
	s := newSession(t, cs, WithClock(clk))

	require.NoError(t, s.Start(context.Background(), token(t, "u1", 24*365*time.Hour)))
	assert.Equal(t, 1, cs.pending())

	clk.Advance(4 * time.Minute)
	assert.Equal(t, 1, cs.pending())

	// 00:05 tick
	clk.Advance(30 * time.Second)
	assert.Equal(t, 2, cs.pending())

	clk.Advance(5 * time.Minute)
	assert.Equal(t, 3, cs.pending())

	s.Logout()
	clk.Advance(10 * time.Minute)
	assert.Equal(t, 3, cs.pending())
}

type refusingDialer struct{}

func (refusingDialer) Dial(ctx context.Context, rawURL, token string) (transport.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestOffline_ReportedAfterAttemptsExhausted(t *testing.T) {
	cs := newChatServer(t)
	cfg := testConfig(cs)
	cfg.WebSocket.MaxReconnectAttempts = 1
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC))
	s, err := New(cfg, WithClock(clk), WithDialer(refusingDialer{}))
	require.NoError(t, err)
	t.Cleanup(s.Logout)

	offline := make(chan error, 1)
	s.OnOffline(func(err error) { offline <- err })

	// the push channel is down but the REST side still loads
	require.NoError(t, s.Start(context.Background(), token(t, "u1", 24*365*time.Hour)))
	assert.Len(t, s.Store().Conversations(), 1)
	assert.Empty(t, offline)

	clk.Advance(time.Second)
	require.Len(t, offline, 1)
	assert.ErrorIs(t, <-offline, errcode.ErrOffline)
	assert.True(t, s.Transport().Offline())
	assert.True(t, s.Running())

	s.Logout()
	assert.ErrorIs(t, s.Reconnect(context.Background()), ErrNotStarted)
}
