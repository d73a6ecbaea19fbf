package connmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOutboundValidTransitions(t *testing.T) {
	require.True(t, ValidTransition(Outbound, Disconnected, Connecting))
	require.True(t, ValidTransition(Outbound, Connecting, AwaitingHandshake))
	require.True(t, ValidTransition(Outbound, AwaitingHandshake, Connected))
	require.True(t, ValidTransition(Outbound, Connecting, Disconnected))
	require.True(t, ValidTransition(Outbound, AwaitingHandshake, Failed))
	require.True(t, ValidTransition(Outbound, Connected, Connecting))
	require.True(t, ValidTransition(Outbound, Connected, Failed))
	require.True(t, ValidTransition(Outbound, Failed, Disconnected))
}

func TestOutboundInvalidTransitionsRejected(t *testing.T) {
	require.False(t, ValidTransition(Outbound, Disconnected, Connected))
	require.False(t, ValidTransition(Outbound, Disconnected, Failed))
	require.False(t, ValidTransition(Outbound, Connected, Rejected))
	require.False(t, ValidTransition(Outbound, Connecting, Connecting))
}

func TestInboundNeverEntersConnectingFromDisconnected(t *testing.T) {
	require.False(t, ValidTransition(Inbound, Disconnected, Connecting))
	require.True(t, ValidTransition(Inbound, AwaitingHandshake, Connected))
	require.True(t, ValidTransition(Inbound, AwaitingHandshake, Failed))
	require.True(t, ValidTransition(Inbound, Connected, Failed))
}

func TestInboundOverCapacityOnlyRejectsOrFails(t *testing.T) {
	require.True(t, ValidTransition(InboundOverCapacity, AwaitingHandshake, Rejected))
	require.True(t, ValidTransition(InboundOverCapacity, AwaitingHandshake, Failed))
	require.False(t, ValidTransition(InboundOverCapacity, AwaitingHandshake, Connected))
}

func TestRestartTrackerResetsOnWindowLapse(t *testing.T) {
	start := time.Unix(0, 0)
	r := NewRestartTracker(2, time.Hour, start)

	require.False(t, r.RecordRestart(start.Add(time.Minute)))
	require.False(t, r.RecordRestart(start.Add(2*time.Minute)))
	require.True(t, r.RecordRestart(start.Add(3*time.Minute)))

	// Past the window: the counter resets instead of continuing to climb.
	require.False(t, r.RecordRestart(start.Add(2*time.Hour)))
	require.Equal(t, 1, r.Count())
}

func TestBackoffGrowsExponentiallyThenExhausts(t *testing.T) {
	b := NewBackoff(time.Second, 2.0, 3)

	d1, exhausted := b.Next()
	require.False(t, exhausted)
	require.Equal(t, time.Second, d1)

	d2, exhausted := b.Next()
	require.False(t, exhausted)
	require.Equal(t, 2*time.Second, d2)

	d3, exhausted := b.Next()
	require.False(t, exhausted)
	require.Equal(t, 4*time.Second, d3)

	_, exhausted = b.Next()
	require.True(t, exhausted)
}

func TestBackoffResetRestartsFromInitial(t *testing.T) {
	b := NewBackoff(time.Second, 2.0, 5)
	b.Next()
	b.Next()
	b.Reset()

	d, exhausted := b.Next()
	require.False(t, exhausted)
	require.Equal(t, time.Second, d)
	require.Equal(t, 1, b.Attempt())
}
