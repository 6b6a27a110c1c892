// Package redisbus implements the taskcluster message bus on Redis pub/sub, with the
// durable master command queue kept in a Redis list.
//
// Each Bus owns one pub/sub connection and at most one handler per channel. Handlers run
// on their own goroutine so a slow handler never stalls delivery of other channels.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	taskcluster "github.com/UniQw/taskcluster"
	"github.com/UniQw/taskcluster/internal/keys"
	"github.com/redis/go-redis/v9"
)

// DefaultSubscribeTimeout bounds the wait for Redis to confirm a subscription.
const DefaultSubscribeTimeout = 5 * time.Second

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("redisbus: closed")

// Compile-time interface checks.
var (
	_ taskcluster.MessageBus   = (*Bus)(nil)
	_ taskcluster.CommandQueue = (*CommandQueue)(nil)
)

// Option configures a Bus.
type Option func(*Bus)

// WithNamespace isolates channels and the command queue of one cluster.
func WithNamespace(ns string) Option {
	return func(b *Bus) { b.keys = keys.For(ns) }
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l taskcluster.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// WithSubscribeTimeout bounds the wait for subscription confirmation.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.subTimeout = d
		}
	}
}

// Bus implements taskcluster.MessageBus.
type Bus struct {
	rdb        redis.UniversalClient
	keys       keys.Space
	log        taskcluster.Logger
	enc        taskcluster.Encoder
	subTimeout time.Duration
	cmds       *CommandQueue

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	ps       *redis.PubSub
	handlers map[taskcluster.Channel]taskcluster.Handler
	waiters  map[string][]chan struct{}

	recvWG    sync.WaitGroup
	handlerWG sync.WaitGroup
}

// New creates a bus. The caller owns the Redis client lifecycle.
func New(rdb redis.UniversalClient, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		rdb:        rdb,
		keys:       keys.For(keys.DefaultNamespace),
		log:        taskcluster.NopLogger(),
		enc:        &taskcluster.JSONEncoder{},
		subTimeout: DefaultSubscribeTimeout,
		ctx:        ctx,
		cancel:     cancel,
		handlers:   make(map[taskcluster.Channel]taskcluster.Handler),
		waiters:    make(map[string][]chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.cmds = &CommandQueue{b: b}
	return b
}

// Publish sends payload to every subscriber of ch in the namespace.
func (b *Bus) Publish(ctx context.Context, ch taskcluster.Channel, payload []byte) error {
	if err := b.rdb.Publish(ctx, b.keys.Channel(string(ch)), payload).Err(); err != nil {
		return fmt.Errorf("redisbus: publish %s: %w", ch, err)
	}
	return nil
}

// Subscribe registers h for ch, replacing any previous handler, and returns once Redis
// confirmed the subscription.
func (b *Bus) Subscribe(ch taskcluster.Channel, h taskcluster.Handler) error {
	if h == nil {
		return taskcluster.ErrInvalidArgument
	}
	name := b.keys.Channel(string(ch))
	confirmed := make(chan struct{})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.handlers[ch] = h
	b.waiters[name] = append(b.waiters[name], confirmed)
	ps := b.ps
	if ps == nil {
		ps = b.rdb.Subscribe(b.ctx)
		b.ps = ps
		b.recvWG.Add(1)
		go b.receive(ps)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(b.ctx, b.subTimeout)
	defer cancel()
	if err := ps.Subscribe(ctx, name); err != nil {
		return fmt.Errorf("redisbus: subscribe %s: %w", ch, err)
	}
	select {
	case <-confirmed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("redisbus: subscribe %s: %w", ch, ctx.Err())
	}
}

// Unsubscribe removes the handlers of chs.
func (b *Bus) Unsubscribe(chs ...taskcluster.Channel) error {
	if len(chs) == 0 {
		return nil
	}
	names := make([]string, 0, len(chs))
	b.mu.Lock()
	for _, ch := range chs {
		delete(b.handlers, ch)
		names = append(names, b.keys.Channel(string(ch)))
	}
	ps := b.ps
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	if err := ps.Unsubscribe(b.ctx, names...); err != nil {
		return fmt.Errorf("redisbus: unsubscribe: %w", err)
	}
	return nil
}

// UnsubscribeAll removes every handler. The bus stays usable.
func (b *Bus) UnsubscribeAll() error {
	b.mu.Lock()
	if len(b.handlers) == 0 {
		b.mu.Unlock()
		return nil
	}
	chs := make([]taskcluster.Channel, 0, len(b.handlers))
	for ch := range b.handlers {
		chs = append(chs, ch)
	}
	b.mu.Unlock()
	return b.Unsubscribe(chs...)
}

// Commands returns the durable master command queue.
func (b *Bus) Commands() taskcluster.CommandQueue { return b.cmds }

// Close stops delivery and waits for running handlers to return.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps := b.ps
	b.handlers = make(map[taskcluster.Channel]taskcluster.Handler)
	b.mu.Unlock()

	b.cancel()
	var err error
	if ps != nil {
		err = ps.Close()
	}
	b.recvWG.Wait()
	b.handlerWG.Wait()
	if err != nil {
		return fmt.Errorf("redisbus: close: %w", err)
	}
	return nil
}

func (b *Bus) receive(ps *redis.PubSub) {
	defer b.recvWG.Done()
	for m := range ps.ChannelWithSubscriptions() {
		switch msg := m.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				b.confirm(msg.Channel)
			}
		case *redis.Message:
			b.dispatch(msg)
		}
	}
}

func (b *Bus) confirm(name string) {
	b.mu.Lock()
	ws := b.waiters[name]
	delete(b.waiters, name)
	b.mu.Unlock()
	for _, w := range ws {
		close(w)
	}
}

func (b *Bus) dispatch(msg *redis.Message) {
	name, ok := b.keys.ChannelName(msg.Channel)
	if !ok {
		return
	}
	ch := taskcluster.Channel(name)
	b.mu.RLock()
	h, ok := b.handlers[ch]
	closed := b.closed
	b.mu.RUnlock()
	if !ok || closed {
		return
	}
	payload := []byte(msg.Payload)
	b.handlerWG.Add(1)
	go func() {
		defer b.handlerWG.Done()
		defer func() {
			if r := recover(); r != nil {
				b.log.Errorf("redisbus: handler panic channel=%s err=%v", ch, r)
			}
		}()
		h(b.ctx, payload)
	}()
}
