package persist

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pebble "github.com/cockroachdb/pebble"

	"github.com/mbeoliero/rtchat/pkg/constant"
)

// PebbleStore keeps state in an embedded pebble database.
// Keys: {prefix}u:{user}:lastread:{conv}, ...:cursor:{conv}, ...:hidden:{hex conv}:{hex msg}
type PebbleStore struct {
	db     *pebble.DB
	userId string
}

// NewPebbleStore opens (or creates) the database at path
func NewPebbleStore(path, userId string) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db, userId: userId}, nil
}

func (s *PebbleStore) userPrefix() []byte {
	return []byte(fmt.Sprintf("%su:%s:", constant.GetKeyPrefix(), s.userId))
}

func (s *PebbleStore) Load(ctx context.Context) (*State, error) {
	prefix := s.userPrefix()
	upper := append(append([]byte(nil), prefix...), 0xff)

	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	state := NewState()
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, prefix) {
			continue
		}
		rest := string(k[len(prefix):])
		kind, tail, found := strings.Cut(rest, ":")
		if !found {
			continue
		}
		switch kind {
		case kindLastRead:
			state.LastRead[tail] = string(it.Value())
		case kindCursor:
			var c Cursor
			if err := json.Unmarshal(it.Value(), &c); err != nil {
				return nil, fmt.Errorf("decode cursor %s: %w", tail, err)
			}
			state.Cursors[tail] = c
		case kindHidden:
			conv, msg, ok := decodeHiddenTail(tail)
			if !ok {
				continue
			}
			state.Hidden[conv] = appendUnique(state.Hidden[conv], msg)
		}
	}
	return state, it.Error()
}

func (s *PebbleStore) SaveLastRead(ctx context.Context, conversationId, messageId string) error {
	key := fmt.Sprintf(constant.KeyLastRead(), s.userId, conversationId)
	return s.db.Set([]byte(key), []byte(messageId), pebble.Sync)
}

func (s *PebbleStore) SaveCursor(ctx context.Context, conversationId string, cursor Cursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(constant.KeyCursor(), s.userId, conversationId)
	return s.db.Set([]byte(key), data, pebble.Sync)
}

// hiddenPrefix is the key prefix of one conversation's hidden set. Ids are hex
// encoded so ids containing the separator stay unambiguous.
func (s *PebbleStore) hiddenPrefix(conversationId string) string {
	return fmt.Sprintf(constant.KeyHidden(), s.userId, hex.EncodeToString([]byte(conversationId))) + ":"
}

func (s *PebbleStore) AddHidden(ctx context.Context, conversationId, messageId string) error {
	key := s.hiddenPrefix(conversationId) + hex.EncodeToString([]byte(messageId))
	return s.db.Set([]byte(key), nil, pebble.Sync)
}

func decodeHiddenTail(tail string) (string, string, bool) {
	convHex, msgHex, found := strings.Cut(tail, ":")
	if !found {
		return "", "", false
	}
	conv, err := hex.DecodeString(convHex)
	if err != nil {
		return "", "", false
	}
	msg, err := hex.DecodeString(msgHex)
	if err != nil || len(msg) == 0 {
		return "", "", false
	}
	return string(conv), string(msg), true
}

func (s *PebbleStore) ForgetConversation(ctx context.Context, conversationId string) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Delete([]byte(fmt.Sprintf(constant.KeyLastRead(), s.userId, conversationId)), nil); err != nil {
		return err
	}
	if err := b.Delete([]byte(fmt.Sprintf(constant.KeyCursor(), s.userId, conversationId)), nil); err != nil {
		return err
	}
	hidden := []byte(s.hiddenPrefix(conversationId))
	hiddenEnd := append(append([]byte(nil), hidden...), 0xff)
	if err := b.DeleteRange(hidden, hiddenEnd, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
