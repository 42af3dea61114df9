package persist

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/rtchat/internal/config"
	"github.com/mbeoliero/rtchat/pkg/idgen"
)

// exerciseStore runs the behavior every backend must share
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	state, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.LastRead)
	assert.Empty(t, state.Cursors)
	assert.Empty(t, state.Hidden)

	require.NoError(t, s.SaveLastRead(ctx, "c1", "m1"))
	require.NoError(t, s.SaveLastRead(ctx, "c1", "m2"))
	require.NoError(t, s.SaveCursor(ctx, "c1", Cursor{MessageID: "m5", CreatedAt: at}))
	require.NoError(t, s.AddHidden(ctx, "c1", "m3"))
	require.NoError(t, s.AddHidden(ctx, "c1", "m4"))
	require.NoError(t, s.AddHidden(ctx, "c1", "m3"))
	require.NoError(t, s.AddHidden(ctx, "c2", "m9"))
	require.NoError(t, s.SaveCursor(ctx, "c2", Cursor{MessageID: "m9", CreatedAt: at}))
	// ids may contain the key separator
	require.NoError(t, s.AddHidden(ctx, "c1:x", "m:1:x"))

	state, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m2", state.LastRead["c1"])
	assert.Equal(t, "m5", state.Cursors["c1"].MessageID)
	assert.True(t, at.Equal(state.Cursors["c1"].CreatedAt))
	hidden := append([]string(nil), state.Hidden["c1"]...)
	sort.Strings(hidden)
	assert.Equal(t, []string{"m3", "m4"}, hidden)
	assert.Equal(t, []string{"m9"}, state.Hidden["c2"])
	assert.Equal(t, []string{"m:1:x"}, state.Hidden["c1:x"])

	require.NoError(t, s.ForgetConversation(ctx, "c1"))
	state, err = s.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, state.LastRead, "c1")
	assert.NotContains(t, state.Cursors, "c1")
	assert.NotContains(t, state.Hidden, "c1")
	assert.Equal(t, []string{"m9"}, state.Hidden["c2"])
	assert.Equal(t, "m9", state.Cursors["c2"].MessageID)
	assert.Equal(t, []string{"m:1:x"}, state.Hidden["c1:x"])
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestPebbleStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")

	s, err := NewPebbleStore(path, "u1")
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	// survives reopen
	s, err = NewPebbleStore(path, "u1")
	require.NoError(t, err)
	state, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m9"}, state.Hidden["c2"])
	require.NoError(t, s.Close())

	// namespaced per user
	s, err = NewPebbleStore(path, "u2")
	require.NoError(t, err)
	defer s.Close()
	state, err = s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state.Hidden)
	assert.Empty(t, state.Cursors)
}

func TestOpen(t *testing.T) {
	cfg := config.Default().Storage

	cfg.Driver = DriverMemory
	s, err := Open(cfg, "u1")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	cfg.Driver = DriverPebble
	cfg.Path = filepath.Join(t.TempDir(), "db")
	s, err = Open(cfg, "u1")
	require.NoError(t, err)
	assert.IsType(t, &PebbleStore{}, s)
	require.NoError(t, s.Close())

	cfg.Driver = "sqlite"
	_, err = Open(cfg, "u1")
	assert.Error(t, err)

	_, err = Open(cfg, "")
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("RTCHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RTCHAT_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())

	s := NewRedisStore(rdb, "test-"+idgen.ClientMessageID())
	defer s.Close()
	exerciseStore(t, s)
}

func TestGormStore(t *testing.T) {
	dsn := os.Getenv("RTCHAT_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("RTCHAT_TEST_MYSQL_DSN not set")
	}
	s, err := NewGormStore(dsn, "test-"+idgen.ClientMessageID())
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}
