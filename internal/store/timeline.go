package store

import (
	"sort"
	"time"

	"github.com/mbeoliero/rtchat/sdk"
)

// timeline is one conversation's messages ordered by CreatedAt (non-decreasing),
// indexed by id and by client message id.
type timeline struct {
	msgs       []*sdk.Message
	byID       map[string]*sdk.Message
	byClientID map[string]*sdk.Message
}

func newTimeline() *timeline {
	return &timeline{
		byID:       make(map[string]*sdk.Message),
		byClientID: make(map[string]*sdk.Message),
	}
}

// get looks a message up by id, then by client message id
func (t *timeline) get(id string) *sdk.Message {
	if m, ok := t.byID[id]; ok {
		return m
	}
	return t.byClientID[id]
}

// insert places m after every message with CreatedAt <= m.CreatedAt.
// It returns false when m's id or client id is already present.
func (t *timeline) insert(m *sdk.Message) bool {
	if _, ok := t.byID[m.ID]; ok {
		return false
	}
	if m.ClientMessageID != "" {
		if _, ok := t.byClientID[m.ClientMessageID]; ok {
			return false
		}
	}

	i := t.upperBound(m.CreatedAt)
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m

	t.byID[m.ID] = m
	if m.ClientMessageID != "" {
		t.byClientID[m.ClientMessageID] = m
	}
	return true
}

func (t *timeline) upperBound(at time.Time) int {
	return sort.Search(len(t.msgs), func(i int) bool {
		return t.msgs[i].CreatedAt.After(at)
	})
}

// remove drops the message with id (or client id) and returns it
func (t *timeline) remove(id string) *sdk.Message {
	m := t.get(id)
	if m == nil {
		return nil
	}
	t.unlink(m)
	delete(t.byID, m.ID)
	if m.ClientMessageID != "" {
		delete(t.byClientID, m.ClientMessageID)
	}
	return m
}

func (t *timeline) unlink(m *sdk.Message) {
	for i, cur := range t.msgs {
		if cur == m {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			return
		}
	}
}

// rekey gives m its server identity and moves it to its server timestamp
func (t *timeline) rekey(m *sdk.Message, id string, createdAt time.Time) {
	t.unlink(m)
	delete(t.byID, m.ID)

	m.ID = id
	if !createdAt.IsZero() {
		m.CreatedAt = createdAt
	}

	i := t.upperBound(m.CreatedAt)
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	t.byID[id] = m
}

// newestSynced returns the newest message the server has confirmed
func (t *timeline) newestSynced() *sdk.Message {
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if t.msgs[i].Status != sdk.MessageStatusPending {
			return t.msgs[i]
		}
	}
	return nil
}

// indexOf returns m's position, or -1
func (t *timeline) indexOf(id string) int {
	m := t.get(id)
	if m == nil {
		return -1
	}
	for i, cur := range t.msgs {
		if cur == m {
			return i
		}
	}
	return -1
}

func (t *timeline) len() int {
	return len(t.msgs)
}

// snapshot returns deep copies in order
func (t *timeline) snapshot() []*sdk.Message {
	out := make([]*sdk.Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = m.Clone()
	}
	return out
}
