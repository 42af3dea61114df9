// Package persist keeps the per-user local state that survives restarts:
// last-read markers, sync cursors and the hidden-message set.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/mbeoliero/rtchat/internal/config"
	"github.com/mbeoliero/rtchat/pkg/constant"
)

// Cursor marks the newest message known to be synced in a conversation
type Cursor struct {
	MessageID string    `json:"messageId"`
	CreatedAt time.Time `json:"createdAt"`
}

// State is everything persisted for one user
type State struct {
	LastRead map[string]string   // conversation_id -> message id
	Cursors  map[string]Cursor   // conversation_id -> cursor
	Hidden   map[string][]string // conversation_id -> hidden message ids
}

// NewState returns an empty state
func NewState() *State {
	return &State{
		LastRead: make(map[string]string),
		Cursors:  make(map[string]Cursor),
		Hidden:   make(map[string][]string),
	}
}

// Store persists local state for one user
type Store interface {
	Load(ctx context.Context) (*State, error)
	SaveLastRead(ctx context.Context, conversationId, messageId string) error
	SaveCursor(ctx context.Context, conversationId string, cursor Cursor) error
	AddHidden(ctx context.Context, conversationId, messageId string) error
	// ForgetConversation drops every record of the conversation
	ForgetConversation(ctx context.Context, conversationId string) error
	Close() error
}

// Storage drivers
const (
	DriverMemory = "memory"
	DriverPebble = "pebble"
	DriverRedis  = "redis"
	DriverMySQL  = "mysql"
)

// record kinds, shared by every backend
const (
	kindLastRead = "lastread"
	kindCursor   = "cursor"
	kindHidden   = "hidden"
)

// Open opens the store selected by cfg.Driver for userId
func Open(cfg config.StorageConfig, userId string) (Store, error) {
	if userId == "" {
		return nil, fmt.Errorf("open %s store: empty user id", cfg.Driver)
	}
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverPebble, "":
		return NewPebbleStore(cfg.Path, userId)
	case DriverRedis:
		constant.InitKeyPrefix(cfg.Redis.KeyPrefix)
		return NewRedisStore(NewRedisClient(cfg.Redis), userId), nil
	case DriverMySQL:
		return NewGormStore(cfg.MySQL.DSN(), userId)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

func appendUnique(ids []string, id string) []string {
	for _, cur := range ids {
		if cur == id {
			return ids
		}
	}
	return append(ids, id)
}
