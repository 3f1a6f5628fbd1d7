package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
)

// NATSConfig configures the JetStream Key-Value backend. The slash paths of
// the adapter map onto dotted KV keys: bph/<id>/<key> becomes bph.<id>.<key>.
type NATSConfig struct {
	URL    string
	Bucket string

	MaxReconnects int
	ReconnectWait time.Duration

	Logger zerolog.Logger
}

// NATSConnector opens one NATS connection per store session, authenticated
// with the token minted by the credential collaborator.
type NATSConnector struct {
	cfg    NATSConfig
	logger zerolog.Logger
}

func NewNATSConnector(cfg NATSConfig) *NATSConnector {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	return &NATSConnector{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "natsstore").Logger(),
	}
}

func (c *NATSConnector) Signin(ctx context.Context, token string) (Session, error) {
	logger := c.logger
	opts := []nats.Option{
		nats.Token(token),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Store connection lost")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Store connection restored")
		}),
	}

	nc, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsstore: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsstore: jetstream: %w", err)
	}

	kv, err := js.KeyValue(c.cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: c.cfg.Bucket})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsstore: bucket %s: %w", c.cfg.Bucket, err)
	}

	return &natsSession{nc: nc, kv: kv, logger: logger}, nil
}

type natsSession struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	logger zerolog.Logger
}

func (s *natsSession) Close(ctx context.Context) error {
	s.nc.Close()
	return nil
}

func pathKey(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

func (s *natsSession) Get(ctx context.Context, path string) (json.RawMessage, error) {
	key := pathKey(path)
	e, err := s.kv.Get(key)
	if err == nil {
		return json.RawMessage(e.Value()), nil
	}
	if !errors.Is(err, nats.ErrKeyNotFound) {
		return nil, fmt.Errorf("natsstore: get %s: %w", path, err)
	}

	// No leaf at the key; assemble the subtree from prefixed keys.
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("natsstore: list %s: %w", path, err)
	}

	prefix := key + "."
	tree := map[string]any{}
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		e, err := s.kv.Get(k)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue // deleted between list and get
		}
		if err != nil {
			return nil, fmt.Errorf("natsstore: get %s: %w", k, err)
		}
		insertLeaf(tree, strings.Split(strings.TrimPrefix(k, prefix), "."), json.RawMessage(e.Value()))
	}
	if len(tree) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("natsstore: assemble %s: %w", path, err)
	}
	return raw, nil
}

func insertLeaf(tree map[string]any, segs []string, raw json.RawMessage) {
	for len(segs) > 1 {
		child, ok := tree[segs[0]].(map[string]any)
		if !ok {
			child = map[string]any{}
			tree[segs[0]] = child
		}
		tree = child
		segs = segs[1:]
	}
	tree[segs[0]] = raw
}

func (s *natsSession) Set(ctx context.Context, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsstore: set %s: %w", path, err)
	}

	// Replace semantics: whatever lived under the path goes away first.
	if err := s.Remove(ctx, path); err != nil {
		return err
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) == nil && raw[0] == '{' {
		// Objects flatten into child keys; an empty object is simply absence.
		for k, cv := range obj {
			if err := s.Set(ctx, path+"/"+k, cv); err != nil {
				return err
			}
		}
		return nil
	}

	if _, err := s.kv.Put(pathKey(path), raw); err != nil {
		return fmt.Errorf("natsstore: set %s: %w", path, err)
	}
	return nil
}

func (s *natsSession) Push(ctx context.Context, path string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("natsstore: push %s: %w", path, err)
	}
	// Millisecond prefix keeps keys roughly time-ordered; the nuid suffix
	// makes them unique across sessions.
	key := fmt.Sprintf("%013x%s", time.Now().UnixMilli(), nuid.Next())
	if _, err := s.kv.Put(pathKey(path)+"."+key, raw); err != nil {
		return "", fmt.Errorf("natsstore: push %s: %w", path, err)
	}
	return key, nil
}

func (s *natsSession) Remove(ctx context.Context, path string) error {
	key := pathKey(path)
	if err := s.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("natsstore: remove %s: %w", path, err)
	}

	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("natsstore: remove %s: %w", path, err)
	}
	prefix := key + "."
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := s.kv.Delete(k); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("natsstore: remove %s: %w", k, err)
		}
	}
	return nil
}

func (s *natsSession) AtomicAdd(ctx context.Context, path string, delta int64) (int64, error) {
	key := pathKey(path)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		e, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			if _, err := s.kv.Create(key, []byte(fmt.Sprintf("%d", delta))); err == nil {
				return delta, nil
			} else if !errors.Is(err, nats.ErrKeyExists) {
				return 0, fmt.Errorf("natsstore: atomic add %s: %w", path, err)
			}
			continue // lost the create race, retry with the winner's value
		}
		if err != nil {
			return 0, fmt.Errorf("natsstore: atomic add %s: %w", path, err)
		}

		var num json.Number
		if err := json.Unmarshal(e.Value(), &num); err != nil {
			return 0, fmt.Errorf("natsstore: atomic add %s: not a number", path)
		}
		cur, err := num.Int64()
		if err != nil {
			return 0, fmt.Errorf("natsstore: atomic add %s: not an integer", path)
		}

		next := cur + delta
		if _, err := s.kv.Update(key, []byte(fmt.Sprintf("%d", next)), e.Revision()); err == nil {
			return next, nil
		}
		// Revision moved under us; take another lap.
	}
}

func (s *natsSession) Subscribe(path string, onAdded ChildAddedFunc, onRemoved ChildRemovedFunc) (Unsubscribe, error) {
	prefix := pathKey(path) + "."
	w, err := s.kv.Watch(prefix + ">")
	if err != nil {
		return nil, fmt.Errorf("natsstore: subscribe %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case e, ok := <-w.Updates():
				if !ok {
					return
				}
				if e == nil {
					continue // end of the initial replay marker
				}
				child := strings.TrimPrefix(e.Key(), prefix)
				// Only immediate children are surfaced; deeper keys do not
				// occur under a client's bph subtree.
				if strings.Contains(child, ".") {
					continue
				}
				switch e.Operation() {
				case nats.KeyValuePut:
					onAdded(child, json.RawMessage(e.Value()))
				case nats.KeyValueDelete, nats.KeyValuePurge:
					onRemoved(child)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = w.Stop()
		})
	}, nil
}

func (s *natsSession) SubscribeValue(path string, onChange ValueFunc) (Unsubscribe, error) {
	key := pathKey(path)
	w, err := s.kv.Watch(key)
	if err != nil {
		return nil, fmt.Errorf("natsstore: subscribe value %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case e, ok := <-w.Updates():
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				switch e.Operation() {
				case nats.KeyValuePut:
					onChange(json.RawMessage(e.Value()))
				case nats.KeyValueDelete, nats.KeyValuePurge:
					onChange(nil)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = w.Stop()
		})
	}, nil
}
