package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrTransportClosed = errors.New("bus transport closed")

// MemoryTransport fans messages out to subscribers inside this process. It is
// the single-instance transport and the one the tests run on.
type MemoryTransport struct {
	bufferSize int

	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

func NewMemoryTransport(bufferSize int) *MemoryTransport {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryTransport{
		bufferSize: bufferSize,
		subs:       make(map[string]map[*memorySubscription]struct{}),
	}
}

// Publish delivers to every current subscriber of topic. A subscriber whose
// buffer is full loses the message, matching fire-and-forget pub/sub.
func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	for s := range t.subs[topic] {
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	s := &memorySubscription{
		transport: t,
		topic:     topic,
		ch:        make(chan []byte, t.bufferSize),
		done:      make(chan struct{}),
	}
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[*memorySubscription]struct{})
	}
	t.subs[topic][s] = struct{}{}
	return s, nil
}

// Subscribers reports how many subscriptions are attached to topic.
func (t *MemoryTransport) Subscribers(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[topic])
}

// Close disconnects every subscriber; their Next calls fail from then on.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, set := range t.subs {
		for s := range set {
			s.closeOnce.Do(func() { close(s.done) })
		}
	}
	t.subs = make(map[string]map[*memorySubscription]struct{})
	return nil
}

type memorySubscription struct {
	transport *MemoryTransport
	topic     string
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Next(ctx context.Context, wait time.Duration) ([]byte, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

func (s *memorySubscription) Close() error {
	s.transport.mu.Lock()
	if set := s.transport.subs[s.topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(s.transport.subs, s.topic)
		}
	}
	s.transport.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
