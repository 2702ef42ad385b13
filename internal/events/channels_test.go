package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChannels_ListenNotify(t *testing.T) {
	c := NewChannels[string](false)

	ch := make(chan string, 10)
	unregister := c.Listen(ch)
	assert.Equal(t, 1, c.ListenerCount())

	c.Notify("a")
	c.Notify("b")

	assert.Equal(t, "a", <-ch)
	assert.Equal(t, "b", <-ch)

	unregister()
	assert.Equal(t, 0, c.ListenerCount())

	c.Notify("c")
	select {
	case v := <-ch:
		t.Errorf("unexpected value after unregister: %s", v)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestChannels_ReplayLast(t *testing.T) {
	c := NewChannels[int](true)
	c.Notify(7)

	ch := make(chan int, 1)
	c.Listen(ch)

	select {
	case v := <-ch:
		assert.Equal(t, 7, v)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for replayed value")
	}
}

func TestChannels_FullChannelSkipped(t *testing.T) {
	c := NewChannels[string](false)

	ch := make(chan string, 1)
	c.Listen(ch)
	ch <- "blocking"

	c.Notify("dropped")
	assert.Equal(t, 1, len(ch))
	assert.Equal(t, "blocking", <-ch)

	c.Notify("next")
	assert.Equal(t, "next", <-ch)
}

func TestChannels_NilChannel(t *testing.T) {
	c := NewChannels[string](false)
	assert.Panics(t, func() { c.Listen(nil) })
}
