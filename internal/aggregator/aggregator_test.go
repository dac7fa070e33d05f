package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maxidomd/internal/event"
)

type recordingSink struct {
	dispatched []*Closed
	discarded  []*Closed
}

func (s *recordingSink) Dispatch(c *Closed) { s.dispatched = append(s.dispatched, c) }
func (s *recordingSink) Discard(c *Closed)  { s.discarded = append(s.discarded, c) }

func newTestAggregator(t *testing.T) (*Aggregator, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	agg, err := New(DefaultConfig(), sink)
	require.NoError(t, err)
	return agg, sink
}

func move(ts float64, x, y int) event.Event {
	return event.Event{Kind: event.PointerMove, Timestamp: ts, X: x, Y: y}
}

func keyDown(ts float64, code string) event.Event {
	return event.Event{Kind: event.KeyDown, Timestamp: ts, KeyCode: code}
}

func keyUp(ts float64, code string) event.Event {
	return event.Event{Kind: event.KeyUp, Timestamp: ts, KeyCode: code}
}

// typeKeys feeds n key presses 100ms apart starting at ts and returns the
// timestamp of the last event.
func typeKeys(t *testing.T, agg *Aggregator, ts float64, n int) float64 {
	t.Helper()
	var last float64
	for i := 0; i < n; i++ {
		down := ts + float64(i)*100
		require.NoError(t, agg.Accept(keyDown(down, "KeyA")))
		require.NoError(t, agg.Accept(keyUp(down+40, "KeyA")))
		last = down + 40
	}
	return last
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxVolume = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PathGap = 0
	assert.Error(t, cfg.Validate())

	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestIdleBoundaryProducesOnePayload(t *testing.T) {
	agg, sink := newTestAggregator(t)

	last := typeKeys(t, agg, 1000, 25)
	agg.Advance(last + 4999)
	assert.Empty(t, sink.dispatched)

	agg.Advance(last + 6000)
	require.Len(t, sink.dispatched, 1)

	c := sink.dispatched[0]
	assert.Equal(t, ReasonIdle, c.Reason)
	assert.Equal(t, Forwarded, c.Disposition)
	assert.Len(t, c.Payload.KeyEvents, 25)
	assert.Equal(t, 1000.0, c.Payload.StartTimestamp)
	assert.Equal(t, last, c.Payload.EndTimestamp)
	assert.NotEmpty(t, c.ID)
	assert.True(t, agg.InFlight())
	assert.False(t, agg.Open())
}

func TestVolumeBoundaryReattributesTriggeringEvent(t *testing.T) {
	agg, sink := newTestAggregator(t)

	// 2001 moves in bursts of 50, 10ms apart within a burst and 310ms
	// between bursts, so every burst becomes its own path.
	at := func(i int) float64 { return 1000 + float64(i)*10 + float64(i/50)*300 }
	for i := 0; i < 2001; i++ {
		require.NoError(t, agg.Accept(move(at(i), i, i)))
	}

	require.Len(t, sink.dispatched, 1)
	c := sink.dispatched[0]
	assert.Equal(t, ReasonVolume, c.Reason)
	assert.Len(t, c.Payload.MousePaths, 40)
	total := 0
	for _, p := range c.Payload.MousePaths {
		total += len(p)
	}
	assert.Equal(t, 2000, total)
	assert.Equal(t, at(2000), c.Payload.EndTimestamp)

	// The 2001st move opened the next session.
	require.True(t, agg.Open())
	agg.DispatchDone()
	agg.Flush(at(2000))
	require.Len(t, sink.discarded, 1)
	next := sink.discarded[0].Payload
	require.Len(t, next.MousePaths, 1)
	assert.Equal(t, []PathPoint{{T: at(2000), X: 2000, Y: 2000}}, next.MousePaths[0])
	assert.Equal(t, at(2000), next.StartTimestamp)
}

func TestContinuousMovesSplitOnVolume(t *testing.T) {
	agg, sink := newTestAggregator(t)

	// No pause reaches the path gap, so the moves form one path.
	at := func(i int) float64 { return 1000 + float64(i)*10 }
	for i := 0; i < 2001; i++ {
		require.NoError(t, agg.Accept(move(at(i), i, i)))
	}

	assert.Empty(t, sink.dispatched)
	require.Len(t, sink.discarded, 1)
	c := sink.discarded[0]
	assert.Equal(t, ReasonVolume, c.Reason)
	assert.Equal(t, Noise, c.Disposition)
	require.Len(t, c.Payload.MousePaths, 1)
	assert.Len(t, c.Payload.MousePaths[0], 2000)
	assert.Equal(t, at(1999), c.Payload.MousePaths[0][1999].T)

	require.True(t, agg.Open())
	agg.Flush(at(2000))
	require.Len(t, sink.discarded, 2)
	next := sink.discarded[1].Payload
	require.Len(t, next.MousePaths, 1)
	assert.Equal(t, []PathPoint{{T: at(2000), X: 2000, Y: 2000}}, next.MousePaths[0])
	assert.Equal(t, at(2000), next.StartTimestamp)
}

func TestOutOfOrderStampsKeepDurationsNonNegative(t *testing.T) {
	agg, sink := newTestAggregator(t)

	last := typeKeys(t, agg, 1000, 25)
	require.NoError(t, agg.Accept(event.Event{Kind: event.PointerDown, Timestamp: last + 100, Button: 0, Surface: "a"}))
	require.NoError(t, agg.Accept(event.Event{Kind: event.PointerUp, Timestamp: last + 95, Button: 0, Surface: "b"}))
	require.NoError(t, agg.Accept(keyDown(last+200, "KeyB")))
	require.NoError(t, agg.Accept(keyUp(last+150, "KeyB")))
	agg.Flush(last + 300)

	require.Len(t, sink.dispatched, 1)
	p := sink.dispatched[0].Payload
	require.Len(t, p.Clicks, 1)
	assert.Zero(t, p.Clicks[0].Duration)
	for _, k := range p.KeyEvents {
		assert.GreaterOrEqual(t, k.UpTime, k.DownTime)
	}
}

func TestDurationBoundary(t *testing.T) {
	agg, sink := newTestAggregator(t)

	for i := 0; i <= 90; i++ {
		require.NoError(t, agg.Accept(move(1000+float64(i)*1000, i, 0)))
	}
	assert.Empty(t, sink.dispatched)

	require.NoError(t, agg.Accept(move(92000, 91, 0)))
	require.Len(t, sink.dispatched, 1)
	c := sink.dispatched[0]
	assert.Equal(t, ReasonDuration, c.Reason)
	assert.Len(t, c.Payload.MousePaths, 91)
	assert.True(t, agg.Open())
}

func TestNoiseFilter(t *testing.T) {
	t.Run("noise", func(t *testing.T) {
		agg, sink := newTestAggregator(t)
		last := typeKeys(t, agg, 1000, 19)
		agg.Advance(last + 5000)

		assert.Empty(t, sink.dispatched)
		require.Len(t, sink.discarded, 1)
		assert.Equal(t, Noise, sink.discarded[0].Disposition)
		assert.False(t, agg.InFlight())
	})

	t.Run("passive", func(t *testing.T) {
		agg, sink := newTestAggregator(t)
		last := typeKeys(t, agg, 1000, 19)
		for i := 0; i < 10; i++ {
			last += 100
			require.NoError(t, agg.Accept(event.Event{Kind: event.Heartbeat, Timestamp: last}))
		}
		agg.Advance(last + 5000)

		require.Len(t, sink.discarded, 1)
		assert.Equal(t, Passive, sink.discarded[0].Disposition)
		assert.Equal(t, 10, sink.discarded[0].Heartbeats)
	})

	t.Run("threshold", func(t *testing.T) {
		agg, sink := newTestAggregator(t)
		last := typeKeys(t, agg, 1000, 20)
		agg.Advance(last + 5000)

		require.Len(t, sink.dispatched, 1)
		assert.Equal(t, 20, sink.dispatched[0].Payload.Meaningful())
	})
}

func TestEventsDroppedWhileInFlight(t *testing.T) {
	agg, sink := newTestAggregator(t)
	last := typeKeys(t, agg, 1000, 20)
	agg.Advance(last + 5000)
	require.Len(t, sink.dispatched, 1)

	err := agg.Accept(keyDown(last+5100, "KeyB"))
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, uint64(1), agg.Stats().DroppedInFlight)
	assert.False(t, agg.Open())

	_, ok := agg.Deadline()
	assert.False(t, ok)

	agg.DispatchDone()
	assert.NoError(t, agg.Accept(keyDown(last+5200, "KeyB")))
	assert.True(t, agg.Open())
}

func TestPayloadDoesNotAliasAccumulator(t *testing.T) {
	agg, sink := newTestAggregator(t)
	last := typeKeys(t, agg, 1000, 20)
	agg.Flush(last)
	require.Len(t, sink.dispatched, 1)
	frozen := sink.dispatched[0].Payload
	before, err := frozen.Digest()
	require.NoError(t, err)

	agg.DispatchDone()
	typeKeys(t, agg, last+100, 5)

	after, err := frozen.Digest()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, frozen.KeyEvents, 20)
}

func TestIdleDetectedOnLateEvent(t *testing.T) {
	agg, sink := newTestAggregator(t)
	last := typeKeys(t, agg, 1000, 20)

	// No Advance call: the next event itself reveals the idle gap.
	require.NoError(t, agg.Accept(keyDown(last+7000, "KeyZ")))
	require.Len(t, sink.dispatched, 1)
	assert.Equal(t, ReasonIdle, sink.dispatched[0].Reason)
	assert.Equal(t, last, sink.dispatched[0].Payload.EndTimestamp)
	assert.True(t, agg.Open())
}

func TestClickPairing(t *testing.T) {
	agg, sink := newTestAggregator(t)

	require.NoError(t, agg.Accept(event.Event{Kind: event.PointerDown, Timestamp: 1000, X: 1, Y: 1}))
	require.NoError(t, agg.Accept(event.Event{Kind: event.PointerDown, Timestamp: 1100, X: 5, Y: 6}))
	require.NoError(t, agg.Accept(event.Event{Kind: event.PointerUp, Timestamp: 1180, X: 5, Y: 6}))
	// Up with no pending down.
	require.NoError(t, agg.Accept(event.Event{Kind: event.PointerUp, Timestamp: 1200}))
	// Mismatched button.
	require.NoError(t, agg.Accept(event.Event{Kind: event.PointerDown, Timestamp: 1300, Button: 0}))
	require.NoError(t, agg.Accept(event.Event{Kind: event.PointerUp, Timestamp: 1350, Button: 2}))

	agg.Flush(1400)
	require.Len(t, sink.discarded, 1)
	clicks := sink.discarded[0].Payload.Clicks
	require.Len(t, clicks, 1)
	assert.Equal(t, Click{T: 1100, X: 5, Y: 6, Button: 0, Duration: 80}, clicks[0])
	assert.Equal(t, uint64(2), agg.Stats().UnmatchedUps)
}

func TestKeyPairing(t *testing.T) {
	agg, sink := newTestAggregator(t)

	require.NoError(t, agg.Accept(keyDown(1000, "ShiftLeft")))
	// Auto-repeat keeps the first down time.
	require.NoError(t, agg.Accept(keyDown(1030, "ShiftLeft")))
	require.NoError(t, agg.Accept(keyUp(1100, "ShiftLeft")))
	require.NoError(t, agg.Accept(keyUp(1150, "KeyQ")))

	agg.Flush(1200)
	require.Len(t, sink.discarded, 1)
	keys := sink.discarded[0].Payload.KeyEvents
	require.Len(t, keys, 1)
	assert.Equal(t, KeyEvent{Code: "ShiftLeft", DownTime: 1000, UpTime: 1100}, keys[0])
}

func TestBlurClearsPendingPresses(t *testing.T) {
	agg, sink := newTestAggregator(t)

	require.NoError(t, agg.Accept(keyDown(1000, "KeyA")))
	require.NoError(t, agg.Accept(event.Event{Kind: event.PointerDown, Timestamp: 1010}))
	require.NoError(t, agg.Accept(event.Event{Kind: event.SurfaceBlur, Timestamp: 1020}))
	require.NoError(t, agg.Accept(keyUp(1100, "KeyA")))
	require.NoError(t, agg.Accept(event.Event{Kind: event.PointerUp, Timestamp: 1110}))

	agg.Flush(1200)
	require.Len(t, sink.discarded, 1)
	p := sink.discarded[0].Payload
	assert.Empty(t, p.KeyEvents)
	assert.Empty(t, p.Clicks)
	assert.Equal(t, []FocusChange{{T: 1020, Type: "blur"}}, p.FocusChanges)
}

func TestPathSegmentation(t *testing.T) {
	agg, sink := newTestAggregator(t)

	require.NoError(t, agg.Accept(move(1000, 0, 0)))
	require.NoError(t, agg.Accept(move(1100, 1, 0)))
	require.NoError(t, agg.Accept(move(1299, 2, 0)))
	// A 200ms gap starts a new path.
	require.NoError(t, agg.Accept(move(1499, 3, 0)))

	at, ok := agg.Deadline()
	require.True(t, ok)
	assert.Equal(t, 1699.0, at)

	// Quiescence seals the pending path without closing the session.
	agg.Advance(1699)
	assert.True(t, agg.Open())
	at, ok = agg.Deadline()
	require.True(t, ok)
	assert.Equal(t, 6499.0, at)

	agg.Flush(1700)
	require.Len(t, sink.discarded, 1)
	paths := sink.discarded[0].Payload.MousePaths
	require.Len(t, paths, 2)
	assert.Len(t, paths[0], 3)
	assert.Len(t, paths[1], 1)
}

func TestMalformedEventsCounted(t *testing.T) {
	agg, _ := newTestAggregator(t)
	err := agg.Accept(event.Event{Kind: event.KeyDown, Timestamp: 1})
	assert.ErrorIs(t, err, event.ErrMalformed)
	assert.Equal(t, uint64(1), agg.Stats().Malformed)
	assert.False(t, agg.Open())
}

func TestResetDropsState(t *testing.T) {
	agg, sink := newTestAggregator(t)
	last := typeKeys(t, agg, 1000, 20)
	agg.Flush(last)
	require.True(t, agg.InFlight())

	agg.Reset()
	assert.False(t, agg.InFlight())
	assert.False(t, agg.Open())
	assert.NoError(t, agg.Accept(keyDown(last+10, "KeyA")))
	assert.Len(t, sink.dispatched, 1)
}

func TestEmptyPayloadSlicesEncodeAsArrays(t *testing.T) {
	agg, sink := newTestAggregator(t)
	require.NoError(t, agg.Accept(event.Event{Kind: event.Heartbeat, Timestamp: 5}))
	agg.Flush(10)
	require.Len(t, sink.discarded, 1)

	p := sink.discarded[0].Payload
	assert.NotNil(t, p.KeyEvents)
	assert.NotNil(t, p.MousePaths)
	assert.NotNil(t, p.Clicks)
	assert.NotNil(t, p.FocusChanges)
}
