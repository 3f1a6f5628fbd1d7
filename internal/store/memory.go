package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process JSON tree with watcher fan-out. It backs tests and
// the -store=memory dev mode. All sessions opened against one Memory share
// the tree, so a janitor run sees what live sessions wrote.
type Memory struct {
	mu      sync.Mutex
	root    *node
	nextSub int
	pushSeq int64
	childs  map[string]map[int]*sub // path -> sub id -> sub
	values  map[string]map[int]*sub // path -> sub id -> sub
}

// sub delivers one subscription's notifications in order from its own
// goroutine, the way the NATS watcher does. The replay of existing state and
// every later mutation go through the same queue, so a subscriber that
// consumes slowly never blocks the caller of Subscribe.
type sub struct {
	onAdded   ChildAddedFunc
	onRemoved ChildRemovedFunc
	onValue   ValueFunc

	q    chan event
	done chan struct{}
}

func newSub() *sub {
	return &sub{q: make(chan event, 64), done: make(chan struct{})}
}

func (s *sub) run(replay []event) {
	dispatch(replay)
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.q:
			dispatch([]event{ev})
		}
	}
}

func (s *sub) enqueue(ev event) {
	select {
	case s.q <- ev:
	case <-s.done:
	}
}

func (s *sub) stop() {
	close(s.done)
}

// node is either a leaf (raw != nil) or a branch. Empty branches are pruned,
// so an empty subtree and an absent one are indistinguishable.
type node struct {
	raw      json.RawMessage
	children map[string]*node
}

func NewMemory() *Memory {
	return &Memory{
		root:   &node{children: map[string]*node{}},
		childs: map[string]map[int]*sub{},
		values: map[string]map[int]*sub{},
	}
}

// Signin implements Connector. The token is accepted as-is; the in-memory
// backend has nothing to authenticate against.
func (m *Memory) Signin(ctx context.Context, token string) (Session, error) {
	return memSession{m}, nil
}

type memSession struct{ *Memory }

func (memSession) Close(ctx context.Context) error { return nil }

func (m *Memory) lookup(segs []string) *node {
	n := m.root
	for _, s := range segs {
		if n == nil || n.children == nil {
			return nil
		}
		n = n.children[s]
	}
	return n
}

// serialize renders a subtree as JSON; nil means absent.
func serialize(n *node) json.RawMessage {
	if n == nil {
		return nil
	}
	if n.raw != nil {
		return n.raw
	}
	if len(n.children) == 0 {
		return nil
	}
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		child := serialize(n.children[k])
		if child == nil {
			child = json.RawMessage("null")
		}
		buf.Write(child)
	}
	buf.WriteByte('}')
	return json.RawMessage(buf.Bytes())
}

// build turns a decoded JSON value into a subtree. Objects become branches,
// everything else a leaf.
func build(v any) *node {
	if obj, ok := v.(map[string]any); ok {
		n := &node{children: map[string]*node{}}
		for k, cv := range obj {
			if child := build(cv); child != nil {
				n.children[k] = child
			}
		}
		return n
	}
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return nil
	}
	return &node{raw: raw}
}

// event is a pending watcher notification, dispatched after the tree lock is
// released.
type event struct {
	childAdded   ChildAddedFunc
	childRemoved ChildRemovedFunc
	value        ValueFunc
	key          string
	raw          json.RawMessage
}

func dispatch(events []event) {
	for _, ev := range events {
		switch {
		case ev.childAdded != nil:
			ev.childAdded(ev.key, ev.raw)
		case ev.childRemoved != nil:
			ev.childRemoved(ev.key)
		case ev.value != nil:
			ev.value(ev.raw)
		}
	}
}

func related(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// childrenSnapshot captures the serialized immediate children at a path.
func (m *Memory) childrenSnapshot(segs []string) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	n := m.lookup(segs)
	if n == nil || n.children == nil {
		return out
	}
	for k, c := range n.children {
		if raw := serialize(c); raw != nil {
			out[k] = raw
		}
	}
	return out
}

// mutate runs fn against the tree and collects notifications for every
// subscription whose path is related to the mutated one. Enqueueing happens
// after the lock is released so a full subscriber queue cannot wedge the
// tree.
func (m *Memory) mutate(segs []string, fn func()) {
	m.mu.Lock()

	type watched struct {
		path   string
		segs   []string
		before map[string]json.RawMessage
	}
	var childWatches []watched
	for p := range m.childs {
		ps := SplitPath(p)
		if related(ps, segs) {
			childWatches = append(childWatches, watched{path: p, segs: ps, before: m.childrenSnapshot(ps)})
		}
	}

	fn()

	type delivery struct {
		to *sub
		ev event
	}
	var out []delivery
	for _, w := range childWatches {
		after := m.childrenSnapshot(w.segs)
		for _, cs := range m.childs[w.path] {
			for k := range w.before {
				if _, ok := after[k]; !ok {
					out = append(out, delivery{to: cs, ev: event{childRemoved: cs.onRemoved, key: k}})
				}
			}
			keys := make([]string, 0, len(after))
			for k := range after {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if prev, ok := w.before[k]; !ok || !bytes.Equal(prev, after[k]) {
					out = append(out, delivery{to: cs, ev: event{childAdded: cs.onAdded, key: k, raw: after[k]}})
				}
			}
		}
	}
	for p, subs := range m.values {
		ps := SplitPath(p)
		if !related(ps, segs) {
			continue
		}
		raw := serialize(m.lookup(ps))
		for _, vs := range subs {
			out = append(out, delivery{to: vs, ev: event{value: vs.onValue, raw: raw}})
		}
	}

	m.mu.Unlock()
	for _, d := range out {
		d.to.enqueue(d.ev)
	}
}

func (m *Memory) Get(ctx context.Context, path string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return serialize(m.lookup(SplitPath(path))), nil
}

func (m *Memory) setNode(segs []string, n *node) {
	parent := m.root
	for _, s := range segs[:len(segs)-1] {
		child := parent.children[s]
		if child == nil || child.children == nil {
			child = &node{children: map[string]*node{}}
			parent.children[s] = child
		}
		parent = child
	}
	last := segs[len(segs)-1]
	if n == nil {
		delete(parent.children, last)
	} else {
		parent.children[last] = n
	}
}

func (m *Memory) Set(ctx context.Context, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("memstore: set %s: %w", path, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("memstore: set %s: %w", path, err)
	}
	segs := SplitPath(path)
	m.mutate(segs, func() { m.setNode(segs, build(decoded)) })
	return nil
}

func (m *Memory) Push(ctx context.Context, path string, v any) (string, error) {
	m.mu.Lock()
	m.pushSeq++
	key := fmt.Sprintf("%013x%04x", time.Now().UnixMilli(), m.pushSeq&0xffff)
	m.mu.Unlock()

	if err := m.Set(ctx, path+"/"+key, v); err != nil {
		return "", err
	}
	return key, nil
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	segs := SplitPath(path)
	m.mutate(segs, func() { m.setNode(segs, nil) })
	return nil
}

func (m *Memory) AtomicAdd(ctx context.Context, path string, delta int64) (int64, error) {
	segs := SplitPath(path)
	var out int64
	var addErr error
	m.mutate(segs, func() {
		var cur int64
		if n := m.lookup(segs); n != nil {
			if n.raw == nil {
				addErr = fmt.Errorf("memstore: atomic add %s: not a number", path)
				return
			}
			var num json.Number
			if err := json.Unmarshal(n.raw, &num); err != nil {
				addErr = fmt.Errorf("memstore: atomic add %s: not a number", path)
				return
			}
			v, err := num.Int64()
			if err != nil {
				addErr = fmt.Errorf("memstore: atomic add %s: not an integer", path)
				return
			}
			cur = v
		}
		out = cur + delta
		m.setNode(segs, &node{raw: json.RawMessage(fmt.Sprintf("%d", out))})
	})
	return out, addErr
}

func (m *Memory) Subscribe(path string, onAdded ChildAddedFunc, onRemoved ChildRemovedFunc) (Unsubscribe, error) {
	s := newSub()
	s.onAdded = onAdded
	s.onRemoved = onRemoved

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.childs[path] == nil {
		m.childs[path] = map[int]*sub{}
	}
	m.childs[path][id] = s
	snapshot := m.childrenSnapshot(SplitPath(path))
	m.mu.Unlock()

	// Children already present replay in key order, from the delivery
	// goroutine.
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	replay := make([]event, 0, len(keys))
	for _, k := range keys {
		replay = append(replay, event{childAdded: onAdded, key: k, raw: snapshot[k]})
	}
	go s.run(replay)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.childs[path], id)
			m.mu.Unlock()
			s.stop()
		})
	}, nil
}

func (m *Memory) SubscribeValue(path string, onChange ValueFunc) (Unsubscribe, error) {
	s := newSub()
	s.onValue = onChange

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.values[path] == nil {
		m.values[path] = map[int]*sub{}
	}
	m.values[path][id] = s
	raw := serialize(m.lookup(SplitPath(path)))
	m.mu.Unlock()

	var replay []event
	if raw != nil {
		replay = append(replay, event{value: onChange, raw: raw})
	}
	go s.run(replay)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.values[path], id)
			m.mu.Unlock()
			s.stop()
		})
	}, nil
}
