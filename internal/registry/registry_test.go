package registry

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      string
	failing bool

	mu        sync.Mutex
	frames    []models.Frame
	closed    bool
	closeCode int
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame models.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing || c.closed {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
	return nil
}

func (c *fakeConn) received() []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Frame(nil), c.frames...)
}

func newTestRegistry() *Registry {
	return New("users", zerolog.Nop())
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	c := newFakeConn("c1")

	r.Register("u1", c)
	r.Register("u1", c)

	assert.Equal(t, 1, r.CountFor("u1"))
	assert.Equal(t, 1, r.Total())
}

func TestUnregisterDropsEmptyKey(t *testing.T) {
	r := newTestRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")

	r.Register("u1", a)
	r.Register("u1", b)
	r.Unregister("u1", a)
	assert.Equal(t, 1, r.CountFor("u1"))
	assert.Equal(t, []string{"u1"}, r.Keys())

	r.Unregister("u1", b)
	assert.Equal(t, 0, r.CountFor("u1"))
	assert.Empty(t, r.Keys())

	// Unregistering again never goes below zero.
	r.Unregister("u1", b)
	r.Unregister("missing", a)
	assert.Equal(t, 0, r.CountFor("u1"))
}

func TestCountMatchesRandomSequences(t *testing.T) {
	r := newTestRegistry()
	conns := make([]*fakeConn, 6)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i))
	}
	keys := []string{"u1", "u2", "u3"}
	model := map[string]map[*fakeConn]bool{}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		key := keys[rng.Intn(len(keys))]
		c := conns[rng.Intn(len(conns))]
		if model[key] == nil {
			model[key] = map[*fakeConn]bool{}
		}
		if rng.Intn(2) == 0 {
			r.Register(key, c)
			model[key][c] = true
		} else {
			r.Unregister(key, c)
			delete(model[key], c)
		}
		for _, k := range keys {
			require.Equal(t, len(model[k]), r.CountFor(k))
		}
	}
}

func TestSendToUnknownKeyIsNoop(t *testing.T) {
	r := newTestRegistry()
	assert.Equal(t, 0, r.SendToKey("nobody", models.FrameNotification, nil))
}

func TestSendToKeyReachesEveryConnection(t *testing.T) {
	r := newTestRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")
	other := newFakeConn("other")
	r.Register("u1", a)
	r.Register("u1", b)
	r.Register("u2", other)

	n := r.SendToKey("u1", models.FrameNotification, map[string]any{"persisted": true})
	assert.Equal(t, 2, n)

	for _, c := range []*fakeConn{a, b} {
		frames := c.received()
		require.Len(t, frames, 1)
		assert.Equal(t, models.FrameNotification, frames[0].Type)
		assert.Equal(t, true, frames[0].Data["persisted"])
	}
	assert.Empty(t, other.received())
}

func TestFailedConnectionIsEvicted(t *testing.T) {
	r := newTestRegistry()
	good := newFakeConn("good")
	bad := newFakeConn("bad")
	bad.failing = true
	r.Register("u1", good)
	r.Register("u1", bad)

	n := r.SendToKey("u1", "notification", map[string]any{})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.CountFor("u1"))
	assert.True(t, bad.closed)
	assert.Equal(t, CloseInternalError, bad.closeCode)
	assert.Len(t, good.received(), 1)

	// A key whose only handle fails disappears entirely.
	r.Unregister("u1", good)
	r.Register("u2", bad)
	assert.Equal(t, 0, r.SendToKey("u2", "notification", nil))
	assert.Empty(t, r.Keys())
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")
	r.Register("u1", a)
	r.Register("u2", b)

	r.CloseAll(CloseGoingAway, "shutdown")
	assert.Equal(t, 0, r.Total())
	assert.True(t, a.closed)
	assert.Equal(t, CloseGoingAway, b.closeCode)
}

func TestConcurrentAccess(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("c%d", i))
			for j := 0; j < 100; j++ {
				r.Register("shared", c)
				r.SendToKey("shared", "notification", nil)
				r.Unregister("shared", c)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.CountFor("shared"))
}
