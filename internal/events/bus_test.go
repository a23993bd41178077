package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishOrderAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := NewBus()

	var got []string
	unsubA := b.Subscribe(func(e Event) { got = append(got, "a:"+string(e.Type)) })
	b.Subscribe(func(e Event) { got = append(got, "b:"+string(e.Type)) })

	b.Publish(Event{Type: TokenChanged})
	require.Equal(t, []string{"a:token_changed", "b:token_changed"}, got)

	unsubA()
	unsubA()
	require.Equal(t, 1, b.Len())

	got = nil
	b.Publish(Event{Type: SessionCleared, Remote: true})
	require.Equal(t, []string{"b:session_cleared"}, got)
}

func TestBus_StampsTimeAndNilSafe(t *testing.T) {
	t.Parallel()
	b := NewBus()
	var ev Event
	b.Subscribe(func(e Event) { ev = e })
	b.Publish(Event{Type: UserChanged})
	require.False(t, ev.At.IsZero())

	var nilBus *Bus
	require.NotPanics(t, func() { nilBus.Publish(Event{Type: UserChanged}) })
}

func TestBus_SubscriberMayUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := NewBus()
	calls := 0
	var unsub func()
	unsub = b.Subscribe(func(Event) {
		calls++
		unsub()
	})
	b.Publish(Event{Type: ActivityUpdated})
	b.Publish(Event{Type: ActivityUpdated})
	require.Equal(t, 1, calls)
}
