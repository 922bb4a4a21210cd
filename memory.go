/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the canonical tree store. All state lives in one JSON tree
// guarded by a single mutex; a global revision counter stamps every mutation
// so optimistic transactions can detect conflicting writers.
//
// Subscribers get their own coalescing channel (capacity 1, latest value
// wins). Every notification carries the full current value at the subscribed
// path, so a consumer that misses intermediate states still converges.
type MemoryStore struct {
	mu       sync.Mutex
	root     any
	rev      uint64
	versions map[string]uint64
	subs     map[uint64]*memSub
	nextSub  uint64
	pushSeq  uint64
	closed   bool
}

type memSub struct {
	id    uint64
	parts []string
	ch    chan any
	done  chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: map[string]uint64{"": 0},
		subs:     make(map[uint64]*memSub),
	}
}

func (m *MemoryStore) nowMs() int64 {
	return time.Now().UnixMilli()
}

// version returns the revision of the last change affecting path, falling
// back to the nearest recorded ancestor. The result is memoized so later
// unrelated writes do not disturb it.
func (m *MemoryStore) version(parts []string) uint64 {
	key := joinPath(parts...)
	if v, ok := m.versions[key]; ok {
		return v
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if v, ok := m.versions[joinPath(parts[:i]...)]; ok {
			m.versions[key] = v
			return v
		}
	}
	m.versions[key] = m.versions[""]
	return m.versions[key]
}

// bump records a mutation at parts: the path itself, every ancestor, and any
// already-tracked descendant all move to the new revision.
func (m *MemoryStore) bump(parts []string) {
	m.rev++
	for i := 0; i <= len(parts); i++ {
		m.versions[joinPath(parts[:i]...)] = m.rev
	}
	prefix := joinPath(parts...) + "/"
	for key := range m.versions {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			m.versions[key] = m.rev
		}
	}
}

func getTree(root any, parts []string) any {
	cur := root
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[p]
	}
	return cur
}

// setTree writes value at parts, creating intermediate objects. A nil value
// deletes the node and prunes any parents it empties.
func setTree(root any, parts []string, value any) any {
	if len(parts) == 0 {
		return value
	}
	obj, ok := root.(map[string]any)
	if !ok {
		if value == nil {
			return root
		}
		obj = make(map[string]any)
	}
	child := setTree(obj[parts[0]], parts[1:], value)
	if child == nil {
		delete(obj, parts[0])
	} else {
		obj[parts[0]] = child
	}
	if len(obj) == 0 {
		return nil
	}
	return obj
}

func copyTree(v any) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(obj))
	for k, c := range obj {
		out[k] = copyTree(c)
	}
	return out
}

// notify fans the post-mutation value out to every subscriber whose path is
// an ancestor or descendant of the mutated path.
func (m *MemoryStore) notify(parts []string) {
	for _, s := range m.subs {
		if !pathsOverlap(s.parts, parts) {
			continue
		}
		v := copyTree(getTree(m.root, s.parts))
		select {
		case s.ch <- v:
		default:
			select {
			case <-s.ch:
			default:
			}
			s.ch <- v
		}
	}
}

func pathsOverlap(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m *MemoryStore) read(parts []string) (any, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyTree(getTree(m.root, parts)), m.version(parts)
}

func (m *MemoryStore) write(parts []string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = setTree(m.root, parts, copyTree(value))
	m.bump(parts)
	m.notify(parts)
}

func (m *MemoryStore) update(parts []string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := getTree(m.root, parts).(map[string]any)
	next := make(map[string]any, len(cur)+len(fields))
	for k, v := range cur {
		next[k] = v
	}
	for k, v := range fields {
		if v == nil {
			delete(next, k)
		} else {
			next[k] = copyTree(v)
		}
	}
	m.root = setTree(m.root, parts, any(next))
	m.bump(parts)
	m.notify(parts)
}

// compareAndSwap writes value at parts only if the caller's version is still
// current. On conflict it reports the fresh value and version instead.
func (m *MemoryStore) compareAndSwap(parts []string, version uint64, value any) (any, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.version(parts); cur != version {
		return copyTree(getTree(m.root, parts)), cur, false
	}
	m.root = setTree(m.root, parts, copyTree(value))
	m.bump(parts)
	m.notify(parts)
	return nil, m.versions[joinPath(parts...)], true
}

func (m *MemoryStore) push(parts []string, value any) string {
	m.mu.Lock()
	m.pushSeq++
	// Timestamp-prefixed and sequence-suffixed so keys sort in append order.
	key := fmt.Sprintf("%013d-%06d", m.nowMs(), m.pushSeq%1000000)
	child := append(append([]string{}, parts...), key)
	m.root = setTree(m.root, child, copyTree(value))
	m.bump(child)
	m.notify(child)
	m.mu.Unlock()
	return key
}

func (m *MemoryStore) subscribe(parts []string, fn func(any)) func() {
	m.mu.Lock()
	m.nextSub++
	s := &memSub{
		id:    m.nextSub,
		parts: parts,
		ch:    make(chan any, 1),
		done:  make(chan struct{}),
	}
	m.subs[s.id] = s
	s.ch <- copyTree(getTree(m.root, parts))
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case v := <-s.ch:
				fn(v)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, s.id)
			m.mu.Unlock()
			close(s.done)
		})
	}
}

// Client returns a Store handle sharing this tree but owning its own
// disconnect-removal set, fired when the handle is closed.
func (m *MemoryStore) Client() Store {
	return &memoryClient{st: m}
}

type memoryClient struct {
	st         *MemoryStore
	mu         sync.Mutex
	closed     bool
	disconnect []string
	nextUnsub  uint64
	unsubs     map[uint64]func()
}

func (c *memoryClient) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrStoreClosed
	}
	return nil
}

func (c *memoryClient) Read(ctx context.Context, path string) (any, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	v, _ := c.st.read(parts)
	return v, nil
}

func (c *memoryClient) Write(ctx context.Context, path string, value any) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	c.st.write(parts, value)
	return nil
}

func (c *memoryClient) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	c.st.update(parts, fields)
	return nil
}

func (c *memoryClient) Remove(ctx context.Context, path string) error {
	return c.Write(ctx, path, nil)
}

func (c *memoryClient) Transact(ctx context.Context, path string, fn TxnFunc) (any, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	cur, version := c.st.read(parts)
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		next, write := fn(cur)
		if !write {
			return cur, nil
		}
		conflict, freshVersion, ok := c.st.compareAndSwap(parts, version, next)
		if ok {
			return next, nil
		}
		cur, version = conflict, freshVersion
		if err := sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("transaction at %s: %w", path, ErrContention)
}

func (c *memoryClient) Subscribe(path string, fn func(any)) (func(), error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrStoreClosed
	}
	unsub := c.st.subscribe(parts, fn)
	if c.unsubs == nil {
		c.unsubs = make(map[uint64]func())
	}
	c.nextUnsub++
	id := c.nextUnsub
	c.unsubs[id] = unsub
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if c.unsubs != nil {
			delete(c.unsubs, id)
		}
		c.mu.Unlock()
		unsub()
	}, nil
}

func (c *memoryClient) Push(ctx context.Context, path string, value any) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	parts, err := splitPath(path)
	if err != nil {
		return "", err
	}
	return c.st.push(parts, value), nil
}

func (c *memoryClient) OnDisconnectRemove(path string) error {
	if _, err := splitPath(path); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrStoreClosed
	}
	c.disconnect = append(c.disconnect, path)
	return nil
}

func (c *memoryClient) Now() int64 {
	return c.st.nowMs()
}

func (c *memoryClient) NewID(n int) string {
	return newID(n)
}

func (c *memoryClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.disconnect
	unsubs := c.unsubs
	c.disconnect = nil
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, path := range pending {
		if parts, err := splitPath(path); err == nil {
			c.st.write(parts, nil)
		}
	}
	return nil
}
