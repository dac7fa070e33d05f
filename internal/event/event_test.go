package event

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"pointermove", PointerMove},
		{"mousemove", PointerMove},
		{"MouseDown", PointerDown},
		{"mouseup", PointerUp},
		{"keydown", KeyDown},
		{"keyup", KeyUp},
		{"scroll", Heartbeat},
		{"heartbeat", Heartbeat},
		{"blur", SurfaceBlur},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseKind("touchstart")
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "keydown", KeyDown.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Event{Kind: PointerMove, Timestamp: 1}.Validate())
	assert.NoError(t, Event{Kind: KeyUp, KeyCode: "KeyA", Timestamp: 1}.Validate())

	err := Event{Kind: KeyDown, Timestamp: 1}.Validate()
	assert.ErrorIs(t, err, ErrMalformed)

	err = Event{Kind: PointerMove}.Validate()
	assert.ErrorIs(t, err, ErrMalformed)

	err = Event{Kind: KindUnknown, Timestamp: 1}.Validate()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMonotonicClockAdvances(t *testing.T) {
	c := NewMonotonicClock()
	a := c.Now()
	time.Sleep(2 * time.Millisecond)
	b := c.Now()
	assert.Greater(t, b, a)
	assert.InDelta(t, float64(time.Now().UnixNano())/1e6, b, 1000)
}

func TestMillisDuration(t *testing.T) {
	assert.Equal(t, 200.0, Millis(200*time.Millisecond))
	assert.Equal(t, 5*time.Second, Duration(5000))
}
