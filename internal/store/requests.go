package store

// requestLogSize bounds how many outbound request ids are remembered
const requestLogSize = 1024

type request struct {
	typ            string
	conversationId string
	messageId      string
}

// requestLog maps recent request ids to what they were about, evicting the
// oldest entry once full
type requestLog struct {
	entries map[string]request
	order   []string
	size    int
}

func newRequestLog(size int) *requestLog {
	return &requestLog{entries: make(map[string]request, size), size: size}
}

func (l *requestLog) add(reqId string, r request) {
	if _, ok := l.entries[reqId]; !ok {
		l.order = append(l.order, reqId)
	}
	l.entries[reqId] = r
	for len(l.order) > l.size {
		delete(l.entries, l.order[0])
		l.order = l.order[1:]
	}
}

// take returns and forgets the request
func (l *requestLog) take(reqId string) (request, bool) {
	r, ok := l.entries[reqId]
	if ok {
		delete(l.entries, reqId)
	}
	return r, ok
}
