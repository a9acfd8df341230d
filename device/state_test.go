package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStateManagerTransitions(t *testing.T) {
	require := require.New(t)

	t.Run("Initial State", func(t *testing.T) {
		sm := NewStateManager(nil)
		require.Equal(Disconnected, sm.State())
		require.True(sm.State().IsDisconnected())
	})

	t.Run("Lifecycle", func(t *testing.T) {
		var changes [][2]State
		sm := NewStateManager(nil, func(prev, cur State) {
			changes = append(changes, [2]State{prev, cur})
		})

		require.ErrorIs(sm.ToConnected(), ErrInvalidTransition)
		require.ErrorIs(sm.ToReconnecting(), ErrInvalidTransition)
		require.Empty(changes)

		require.NoError(sm.ToConnecting())
		require.NoError(sm.ToConnecting()) // no-op
		require.NoError(sm.ToConnected())
		require.True(sm.State().IsConnected())

		require.NoError(sm.ToReconnecting())
		require.NoError(sm.ToConnecting())
		require.NoError(sm.ToReconnecting()) // failed attempt
		sm.ToDisconnected()
		sm.ToDisconnected() // no-op

		require.Equal([][2]State{
			{Disconnected, Connecting},
			{Connecting, Connected},
			{Connected, Reconnecting},
			{Reconnecting, Connecting},
			{Connecting, Reconnecting},
			{Reconnecting, Disconnected},
		}, changes)
	})

	t.Run("String", func(t *testing.T) {
		require.Equal("disconnected", Disconnected.String())
		require.Equal("connecting", Connecting.String())
		require.Equal("connected", Connected.String())
		require.Equal("reconnecting", Reconnecting.String())
		require.Equal("unknown", State(99).String())
	})
}

func TestStateManagerWaitState(t *testing.T) {
	require := require.New(t)

	sm := NewStateManager(nil)
	require.NoError(sm.WaitState(context.Background(), Disconnected))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = sm.ToConnecting()
		_ = sm.ToConnected()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(sm.WaitState(ctx, Connected))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	require.ErrorIs(sm.WaitState(ctx2, Reconnecting), context.DeadlineExceeded)
}
