package events

import (
	"sync"
	"testing"

	"github.com/dmitrijs2005/authsync/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishReachesOnlyThatUser(t *testing.T) {
	h := NewHub(4)

	a1, cancelA1 := h.Subscribe("a")
	defer cancelA1()
	a2, cancelA2 := h.Subscribe("a")
	defer cancelA2()
	b, cancelB := h.Subscribe("b")
	defer cancelB()

	h.Publish("a", Event{Kind: KindUserUpdated, User: &models.User{ID: "a"}})

	for _, ch := range []<-chan Event{a1, a2} {
		ev := <-ch
		assert.Equal(t, KindUserUpdated, ev.Kind)
		assert.Equal(t, "a", ev.User.ID)
	}
	select {
	case ev := <-b:
		t.Fatalf("unexpected event for b: %+v", ev)
	default:
	}
}

func TestHub_CancelClosesAndUnregisters(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("a")
	require.Equal(t, 1, h.Watchers("a"))

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, h.Watchers("a"))

	h.Publish("a", Event{Kind: KindSignedOut})
}

func TestHub_SlowWatcherIsDropped(t *testing.T) {
	h := NewHub(1)
	slow, cancel := h.Subscribe("a")
	defer cancel()

	h.Publish("a", Event{Kind: KindUserUpdated})
	h.Publish("a", Event{Kind: KindSignedOut})

	ev, ok := <-slow
	require.True(t, ok)
	assert.Equal(t, KindUserUpdated, ev.Kind)
	_, ok = <-slow
	assert.False(t, ok, "overflowing watcher must be closed")
	assert.Equal(t, uint64(1), h.Dropped())
	assert.Zero(t, h.Watchers("a"))
}

func TestHub_Close(t *testing.T) {
	h := NewHub(0)
	ch, cancel := h.Subscribe("a")
	defer cancel()

	h.Close()
	_, ok := <-ch
	assert.False(t, ok)

	late, lateCancel := h.Subscribe("a")
	defer lateCancel()
	_, ok = <-late
	assert.False(t, ok)
}

func TestHub_ConcurrentUse(t *testing.T) {
	h := NewHub(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := h.Subscribe("a")
			defer cancel()
			h.Publish("a", Event{Kind: KindUserUpdated})
			<-ch
		}()
	}
	wg.Wait()
	assert.Zero(t, h.Watchers("a"))
}
