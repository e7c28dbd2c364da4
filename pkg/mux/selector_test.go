package mux

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

type failingPin struct {
	gpiotest.Pin
}

func (p *failingPin) Out(gpio.Level) error {
	return errors.New("line stuck")
}

func testPins() ([]*gpiotest.Pin, []gpio.PinOut) {
	pins := make([]*gpiotest.Pin, NumLines)
	lines := make([]gpio.PinOut, NumLines)
	for i := range pins {
		pins[i] = &gpiotest.Pin{N: "S", Num: i}
		lines[i] = pins[i]
	}
	return pins, lines
}

func pattern(pins []*gpiotest.Pin) uint8 {
	var p uint8
	for i, pin := range pins {
		if pin.Read() == gpio.High {
			p |= 1 << uint(i)
		}
	}
	return p
}

func newTestSelector(t *testing.T, opts Options) (*Selector, []*gpiotest.Pin) {
	t.Helper()
	pins, lines := testPins()
	sel, err := New(lines, opts)
	require.NoError(t, err)
	require.NoError(t, sel.Init())
	return sel, pins
}

func TestNewRequiresFourLines(t *testing.T) {
	_, lines := testPins()
	_, err := New(lines[:3], Options{})
	assert.Equal(t, ErrInvalidLines, err)

	lines[2] = nil
	_, err = New(lines, Options{})
	assert.Error(t, err)
}

func TestInitDeselects(t *testing.T) {
	sel, pins := newTestSelector(t, Options{})
	assert.Equal(t, DeselectPattern, pattern(pins))
	assert.Equal(t, None, sel.CurrentChannel())
}

func TestIsValidChannel(t *testing.T) {
	sel, _ := newTestSelector(t, Options{})
	for c := Channel(0); c < NumChannels; c++ {
		assert.True(t, sel.IsValidChannel(c), "channel %d", c)
	}
	for _, c := range []Channel{None, -100, NumChannels, NumChannels + 1, 255} {
		assert.False(t, sel.IsValidChannel(c), "channel %d", c)
	}
}

func TestSelectChannelDrivesPattern(t *testing.T) {
	sel, pins := newTestSelector(t, Options{SwitchInterval: time.Millisecond})
	for c := Channel(0); c < NumChannels; c++ {
		require.True(t, sel.SelectChannel(c))
		assert.Equal(t, Patterns[c], pattern(pins), "channel %d", c)
		assert.Equal(t, c, sel.CurrentChannel())
	}
}

func TestSelectInvalidChannelKeepsState(t *testing.T) {
	sel, pins := newTestSelector(t, Options{SwitchInterval: time.Millisecond})
	require.True(t, sel.ForceSelectChannel(2))

	assert.False(t, sel.SelectChannel(9))
	assert.False(t, sel.SelectChannel(-1))
	assert.False(t, sel.ForceSelectChannel(NumChannels))
	assert.Equal(t, Channel(2), sel.CurrentChannel())
	assert.Equal(t, Patterns[2], pattern(pins))
}

func TestSelectChannelLineFailure(t *testing.T) {
	_, lines := testPins()
	lines[1] = &failingPin{}
	sel, err := New(lines, Options{})
	require.NoError(t, err)

	assert.Error(t, sel.Init())
	assert.False(t, sel.ForceSelectChannel(1))
	assert.Equal(t, None, sel.CurrentChannel())
}

func TestSelectChannelThrottles(t *testing.T) {
	interval := 60 * time.Millisecond
	sel, _ := newTestSelector(t, Options{SwitchInterval: interval})

	require.True(t, sel.SelectChannel(0))
	first := time.Now()
	require.True(t, sel.SelectChannel(1))
	second := time.Now()
	require.True(t, sel.SelectChannel(2))
	third := time.Now()

	assert.GreaterOrEqual(t, second.Sub(first), interval)
	assert.GreaterOrEqual(t, third.Sub(second), interval)
	assert.Equal(t, Channel(2), sel.CurrentChannel())
}

func TestFirstSelectDoesNotWait(t *testing.T) {
	sel, _ := newTestSelector(t, Options{SwitchInterval: time.Second})
	start := time.Now()
	require.True(t, sel.SelectChannel(0))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestForceSelectSkipsThrottle(t *testing.T) {
	interval := time.Second
	sel, _ := newTestSelector(t, Options{SwitchInterval: interval})

	require.True(t, sel.ForceSelectChannel(0))
	start := time.Now()
	require.True(t, sel.ForceSelectChannel(4))
	require.True(t, sel.ForceSelectChannel(3))
	assert.Less(t, time.Since(start), interval/2)
	assert.Equal(t, Channel(3), sel.CurrentChannel())
}

func TestConcurrentSelectsAreSpaced(t *testing.T) {
	interval := 40 * time.Millisecond
	sel, _ := newTestSelector(t, Options{SwitchInterval: interval})
	start := time.Now()
	require.True(t, sel.ForceSelectChannel(0))

	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		go func(c Channel) {
			sel.SelectChannel(c)
			done <- struct{}{}
		}(Channel(i))
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	assert.GreaterOrEqual(t, time.Since(start), 3*interval)
}

func TestCurrentChannelDuringThrottledSwitch(t *testing.T) {
	sel, _ := newTestSelector(t, Options{SwitchInterval: 200 * time.Millisecond})
	require.True(t, sel.SelectChannel(0))

	done := make(chan bool)
	go func() { done <- sel.SelectChannel(1) }()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	assert.Equal(t, Channel(0), sel.CurrentChannel())
	assert.Less(t, time.Since(start), 20*time.Millisecond, "CurrentChannel waited for the switch interval")

	assert.True(t, <-done)
	assert.Equal(t, Channel(1), sel.CurrentChannel())
}

func TestLineLevels(t *testing.T) {
	assert.Equal(t, [NumLines]gpio.Level{gpio.High, gpio.High, gpio.Low, gpio.Low}, LineLevels(0b0011))
	assert.Equal(t, [NumLines]gpio.Level{gpio.Low, gpio.Low, gpio.High, gpio.Low}, LineLevels(Patterns[4]))
}

func TestChannelString(t *testing.T) {
	assert.Equal(t, "SBC1", Channel(0).String())
	assert.Equal(t, "SBC5", Channel(4).String())
	assert.Equal(t, "none", None.String())
}
