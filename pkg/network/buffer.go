package network

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 500

// ReplayData is the unredacted request kept only for same-session replay and
// snapshot capture. It is never logged or persisted with the entry.
type ReplayData struct {
	Method   string
	URL      string
	Headers  map[string]string
	PostData string
}

// Request converts replay data into a request that can be re-issued.
func (r ReplayData) Request() core.HTTPRequest {
	headers := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	return core.HTTPRequest{Method: r.Method, URL: r.URL, Headers: headers, Body: r.PostData}
}

// Buffer is a fixed-capacity FIFO of redacted network entries with paired replay data.
type Buffer struct {
	mu        sync.Mutex
	capacity  int
	bodyLimit int
	order     []string
	entries   map[string]*core.NetworkEntry
	replay    map[string]ReplayData
	byHandle  map[interface{}]string
	handleOf  map[string]interface{}
	seq       uint64
	now       func() time.Time
}

// NewBuffer creates a buffer holding at most capacity entries.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity:  capacity,
		bodyLimit: DefaultBodyLimit,
		entries:   make(map[string]*core.NetworkEntry),
		replay:    make(map[string]ReplayData),
		byHandle:  make(map[interface{}]string),
		handleOf:  make(map[string]interface{}),
		now:       time.Now,
	}
}

// SetBodyLimit changes the character cap for bodies and snippets.
func (b *Buffer) SetBodyLimit(limit int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bodyLimit = limit
}

// Attach subscribes the buffer to a page driver's traffic.
func (b *Buffer) Attach(d core.Driver) {
	d.OnRequest(func(r core.Request) { b.RecordRequest(r) })
	d.OnResponse(func(r core.Response) { b.RecordResponse(r) })
}

// RecordRequest stores a redacted entry and its replay data, returning the entry id.
func (b *Buffer) RecordRequest(r core.Request) string {
	start := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := fmt.Sprintf("req-%d-%d", start.UnixMilli(), b.seq)
	entry := &core.NetworkEntry{
		ID:                     id,
		Timestamp:              start.UnixMilli(),
		Method:                 strings.ToUpper(r.Method),
		URL:                    r.URL,
		ResourceType:           r.ResourceType,
		RedactedRequestHeaders: RedactHeaders(r.Headers),
		RedactedPostData:       RedactBody(r.PostData, b.bodyLimit),
		IsLikelyAPI:            IsLikelyAPI(r.ResourceType, core.HeaderValue(r.Headers, "content-type"), r.URL),
	}
	headers := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	b.insertLocked(entry, &ReplayData{Method: entry.Method, URL: r.URL, Headers: headers, PostData: r.PostData})
	if r.Handle != nil {
		b.byHandle[r.Handle] = id
		b.handleOf[id] = r.Handle
	}
	return id
}

// RecordResponse updates the entry paired with the response's request. Body
// read failures leave the snippet empty.
func (b *Buffer) RecordResponse(r core.Response) {
	b.mu.Lock()
	id, ok := b.byHandle[r.Request.Handle]
	if !ok {
		id, ok = b.pendingMatchLocked(r.Request)
	}
	if !ok {
		b.mu.Unlock()
		return
	}
	limit := b.bodyLimit
	b.mu.Unlock()

	contentType := core.HeaderValue(r.Headers, "content-type")
	var snippet string
	if r.Body != nil && isTextual(contentType) {
		if body, err := r.Body(); err == nil {
			snippet = Truncate(string(body), limit)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[id]
	if !ok {
		// Evicted while the body was read
		return
	}
	entry.Status = r.Status
	entry.RedactedResponseHeaders = RedactHeaders(r.Headers)
	entry.ResponseBodySnippet = snippet
	entry.IsLikelyAPI = entry.IsLikelyAPI || IsLikelyAPI("", contentType, entry.URL)
}

// pendingMatchLocked finds the newest entry without a status for the same
// method and URL, for drivers that cannot supply request handles.
func (b *Buffer) pendingMatchLocked(r core.Request) (string, bool) {
	for i := len(b.order) - 1; i >= 0; i-- {
		e := b.entries[b.order[i]]
		if e.Status == 0 && e.URL == r.URL && strings.EqualFold(e.Method, r.Method) {
			return e.ID, true
		}
	}
	return "", false
}

func (b *Buffer) insertLocked(entry *core.NetworkEntry, replay *ReplayData) {
	for len(b.order) >= b.capacity {
		b.evictOldestLocked()
	}
	b.order = append(b.order, entry.ID)
	b.entries[entry.ID] = entry
	if replay != nil {
		b.replay[entry.ID] = *replay
	}
}

func (b *Buffer) evictOldestLocked() {
	oldest := b.order[0]
	b.order = b.order[1:]
	delete(b.entries, oldest)
	delete(b.replay, oldest)
	if h, ok := b.handleOf[oldest]; ok {
		delete(b.byHandle, h)
		delete(b.handleOf, oldest)
	}
}

// Import re-adds entries restored from the once-cache. They carry no replay data.
func (b *Buffer) Import(entries []core.NetworkEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range entries {
		if _, exists := b.entries[entries[i].ID]; exists {
			continue
		}
		e := entries[i]
		b.insertLocked(&e, nil)
	}
}

// Entry returns a copy of one entry.
func (b *Buffer) Entry(id string) (core.NetworkEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return core.NetworkEntry{}, false
	}
	return *e, true
}

// Entries returns copies of all entries, oldest first.
func (b *Buffer) Entries() []core.NetworkEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.NetworkEntry, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.entries[id])
	}
	return out
}

// Replay returns the unredacted data for id.
func (b *Buffer) Replay(id string) (ReplayData, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.replay[id]
	return r, ok
}

// Len returns the number of entries held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Query selects entries for network_find.
type Query struct {
	URLIncludes string
	Method      string
	Status      int
	APIOnly     bool
}

// Find returns the newest entry matching q.
func (b *Buffer) Find(q Query) (core.NetworkEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.order) - 1; i >= 0; i-- {
		e := b.entries[b.order[i]]
		if q.URLIncludes != "" && !strings.Contains(e.URL, q.URLIncludes) {
			continue
		}
		if q.Method != "" && !strings.EqualFold(q.Method, e.Method) {
			continue
		}
		if q.Status != 0 && q.Status != e.Status {
			continue
		}
		if q.APIOnly && !e.IsLikelyAPI {
			continue
		}
		return *e, true
	}
	return core.NetworkEntry{}, false
}
