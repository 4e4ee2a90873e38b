package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type ping struct{ n int }
type pong struct{}

func TestPublishDispatchesByType(t *testing.T) {
	b := New()
	Use(b)
	t.Cleanup(func() { Use(nil) })

	var got []int
	unsub := Subscribe(func(_ context.Context, p ping) { got = append(got, p.n) })
	defer unsub()
	pongs := 0
	defer Subscribe(func(context.Context, pong) { pongs++ })()

	Publish(context.Background(), ping{n: 1})
	Publish(context.Background(), ping{n: 2})
	Publish(context.Background(), pong{})

	require.Equal(t, []int{1, 2}, got)
	require.Equal(t, 1, pongs)
}

func TestUnsubscribeRemovesOnlyItsHandler(t *testing.T) {
	b := New()
	var a, c int
	unsubA := On(b, func(context.Context, ping) { a++ })
	unsubC := On(b, func(context.Context, ping) { c++ })
	require.Equal(t, 2, Len[ping](b))

	unsubA()
	unsubA()
	require.Equal(t, 1, Len[ping](b))

	b.emit(context.Background(), ping{})
	require.Equal(t, 0, a)
	require.Equal(t, 1, c)

	unsubC()
	require.Equal(t, 0, Len[ping](b))
}

func TestPublishWithoutBus(t *testing.T) {
	Use(nil)
	called := false
	unsub := Subscribe(func(context.Context, ping) { called = true })
	unsub()
	Publish(context.Background(), ping{})
	require.False(t, called)
}
