package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	svcerrors "github.com/R3E-Network/service_layer/infrastructure/errors"
)

type memEntry struct {
	value      []byte
	expiresAt  time.Time // zero value means no expiry
	hasExpiry  bool
}

func (e *memEntry) expired(now time.Time) bool {
	return e.hasExpiry && now.After(e.expiresAt)
}

type memStream struct {
	entries []StreamMessage
	groups  map[string]*memGroup
	seq     int64
}

type memGroup struct {
	// cursor is the index into entries of the next entry to deliver.
	cursor int
}

// MemoryStore is an in-process Store implementation used for development
// and tests. It satisfies the same TTL-expiry and scan semantics as a real
// backend: a key that has passed its expiry is treated as absent by every
// read path, including ScanPattern.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string]*memEntry
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	streams map[string]*memStream
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]*memEntry),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		streams: make(map[string]*memStream),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.data[key]
	if !ok || entry.expired(time.Now()) {
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (m *MemoryStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)

	e := &memEntry{value: v}
	if ttl > 0 {
		e.hasExpiry = true
		e.expiresAt = time.Now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *MemoryStore) DeleteMany(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	now := time.Now()
	for _, k := range keys {
		if e, ok := m.data[k]; ok {
			if !e.expired(now) {
				deleted++
			}
			delete(m.data, k)
		}
		delete(m.hashes, k)
		delete(m.sets, k)
	}
	return deleted, nil
}

// memoryKeyIterator walks a slice of every matching key, collected and
// sorted by ScanPattern up front. It offers the same iteration interface as
// a SCAN cursor, but its memory use is not bounded by batchSize.
type memoryKeyIterator struct {
	keys []string
	pos  int
	cur  string
}

func (it *memoryKeyIterator) Next(_ context.Context) bool {
	if it.pos >= len(it.keys) {
		return false
	}
	it.cur = it.keys[it.pos]
	it.pos++
	return true
}

func (it *memoryKeyIterator) Key() string { return it.cur }
func (it *memoryKeyIterator) Err() error  { return nil }

func (m *MemoryStore) ScanPattern(_ context.Context, pattern string, batchSize int) (KeyIterator, error) {
	if pattern == "" {
		return nil, svcerrors.InvalidPattern(pattern)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	matched := make([]string, 0, batchSize)
	for k, e := range m.data {
		if e.expired(now) {
			continue
		}
		if globMatch(pattern, k) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)
	return &memoryKeyIterator{keys: matched}, nil
}

// globMatch supports '*' as a trailing or infix wildcard, matching the
// grammar the pattern registry produces; it is not a general glob engine.
func globMatch(pattern, key string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == key
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]

	for i := 1; i < len(parts); i++ {
		part := parts[i]
		last := i == len(parts)-1
		if part == "" {
			if last {
				return true
			}
			continue
		}
		if last {
			return strings.HasSuffix(key, part)
		}
		idx := strings.Index(key, part)
		if idx == -1 {
			return false
		}
		key = key[idx+len(part):]
	}
	return true
}

func (m *MemoryStore) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) HashSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *MemoryStore) HashDelete(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (m *MemoryStore) SetAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SetRemove(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(s, mem)
	}
	return nil
}

func (m *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(s))
	for mem := range s {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) StreamAppend(_ context.Context, stream string, fields map[string]string, maxlen int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[stream]
	if !ok {
		st = &memStream{groups: make(map[string]*memGroup)}
		m.streams[stream] = st
	}
	st.seq++
	id := formatStreamID(st.seq)
	fcopy := make(map[string]string, len(fields))
	for k, v := range fields {
		fcopy[k] = v
	}
	st.entries = append(st.entries, StreamMessage{ID: id, Fields: fcopy})

	if maxlen > 0 && int64(len(st.entries)) > maxlen {
		trim := int64(len(st.entries)) - maxlen
		st.entries = st.entries[trim:]
		for _, g := range st.groups {
			g.cursor -= int(trim)
			if g.cursor < 0 {
				g.cursor = 0
			}
		}
	}
	return id, nil
}

func (m *MemoryStore) StreamGroupCreate(_ context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[stream]
	if !ok {
		st = &memStream{groups: make(map[string]*memGroup)}
		m.streams[stream] = st
	}
	if _, exists := st.groups[group]; exists {
		// Idempotent: creating an existing group is not an error.
		return nil
	}
	st.groups[group] = &memGroup{cursor: len(st.entries)}
	return nil
}

func (m *MemoryStore) StreamReadGroup(ctx context.Context, stream, group, _ string, count int64, blockMs int64) ([]StreamMessage, error) {
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		m.mu.Lock()
		st, ok := m.streams[stream]
		if !ok {
			m.mu.Unlock()
			return nil, svcerrors.New(svcerrors.ErrCodeStreamReadFailed, svcerrors.Permanent, "unknown stream").WithDetails("stream", stream)
		}
		g, ok := st.groups[group]
		if !ok {
			m.mu.Unlock()
			return nil, svcerrors.New(svcerrors.ErrCodeStreamReadFailed, svcerrors.Permanent, "unknown consumer group").WithDetails("group", group)
		}
		available := len(st.entries) - g.cursor
		if available > 0 {
			n := available
			if int64(n) > count {
				n = int(count)
			}
			out := make([]StreamMessage, n)
			copy(out, st.entries[g.cursor:g.cursor+n])
			g.cursor += n
			m.mu.Unlock()
			return out, nil
		}
		m.mu.Unlock()

		if blockMs <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (m *MemoryStore) StreamAck(_ context.Context, stream, group string, _ ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.streams[stream]
	if !ok {
		return nil
	}
	if _, ok := st.groups[group]; !ok {
		return nil
	}
	// The stub delivers each entry exactly once per group (no pending entry
	// list), so acknowledging is a no-op: the cursor already advanced.
	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func formatStreamID(seq int64) string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + strconv.FormatInt(seq, 10)
}
