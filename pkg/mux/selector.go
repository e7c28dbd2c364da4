// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package mux drives the select lines of the analog/digital multiplexer
// that connects one downstream SBC at a time to the shared serial link.
package mux

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
)

const (
	// NumChannels is the number of multiplexed downstream devices.
	NumChannels = 5
	// NumLines is the number of physical select lines (S0..S3).
	NumLines = 4

	// DefaultSwitchInterval is the minimum time between two channel switches.
	DefaultSwitchInterval = 50 * time.Millisecond
	// DefaultSettleDelay is how long the select lines must be stable before the output is usable.
	DefaultSettleDelay = 100 * time.Microsecond
)

// Channel identifies one downstream device.
type Channel int

// None is the channel reported before the first successful selection.
const None Channel = -1

// Valid reports whether c names one of the multiplexed devices.
func (c Channel) Valid() bool {
	return c >= 0 && c < NumChannels
}

func (c Channel) String() string {
	if !c.Valid() {
		return "none"
	}
	return fmt.Sprintf("SBC%d", int(c)+1)
}

// Patterns maps each channel to the bits driven on S3..S0.
var Patterns = [NumChannels]uint8{
	0b0000,
	0b0001,
	0b0010,
	0b0011,
	0b0100,
}

// DeselectPattern drives every select line high, which selects an unused input.
const DeselectPattern uint8 = 0b1111

// ErrInvalidLines is returned when a selector is built without exactly NumLines lines.
var ErrInvalidLines = errors.Errorf("multiplexer needs exactly %d select lines", NumLines)

// LineLevels expands a pattern into one level per select line, S0 first.
func LineLevels(pattern uint8) [NumLines]gpio.Level {
	var levels [NumLines]gpio.Level
	for i := range levels {
		levels[i] = gpio.Level(pattern&(1<<uint(i)) != 0)
	}
	return levels
}

// Options tunes selector timing. Zero values select the defaults.
type Options struct {
	SwitchInterval time.Duration
	SettleDelay    time.Duration
}

// Selector owns the multiplexer select lines.
// Switches are serialized; a switch requested too soon after the previous one
// waits until the switch interval has elapsed instead of failing.
type Selector struct {
	lines          []gpio.PinOut
	switchInterval time.Duration
	settleDelay    time.Duration

	switchLock sync.Mutex // Serializes switches, including the throttle wait

	lock       sync.RWMutex // Protects current and lastSwitch
	current    Channel
	lastSwitch time.Time
}

// New creates a selector driving lines, ordered S0 through S3.
// Call Init before selecting a channel.
func New(lines []gpio.PinOut, opts Options) (*Selector, error) {
	if len(lines) != NumLines {
		return nil, ErrInvalidLines
	}
	for i, line := range lines {
		if line == nil {
			return nil, errors.Errorf("select line S%d is nil", i)
		}
	}
	if opts.SwitchInterval <= 0 {
		opts.SwitchInterval = DefaultSwitchInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}

	return &Selector{
		lines:          lines,
		switchInterval: opts.SwitchInterval,
		settleDelay:    opts.SettleDelay,
		current:        None,
	}, nil
}

// Init drives every select line high and forgets the current channel.
func (s *Selector) Init() error {
	s.switchLock.Lock()
	defer s.switchLock.Unlock()

	s.lock.Lock()
	s.current = None
	s.lastSwitch = time.Time{}
	s.lock.Unlock()
	return errors.Wrap(s.drive(DeselectPattern), "Deselect multiplexer")
}

// IsValidChannel reports whether c can be selected.
func (s *Selector) IsValidChannel(c Channel) bool {
	return c.Valid()
}

// SelectChannel switches the multiplexer to c.
// If the previous switch happened less than the switch interval ago,
// SelectChannel blocks until the interval has elapsed.
// It returns false, leaving the current channel untouched, if c is invalid
// or the select lines cannot be driven.
func (s *Selector) SelectChannel(c Channel) bool {
	if !c.Valid() {
		return false
	}

	s.switchLock.Lock()
	defer s.switchLock.Unlock()

	s.lock.RLock()
	last := s.lastSwitch
	s.lock.RUnlock()
	if !last.IsZero() {
		if wait := s.switchInterval - time.Since(last); wait > 0 {
			time.Sleep(wait)
		}
	}
	return s.switchTo(c) == nil
}

// ForceSelectChannel is SelectChannel without the switch interval wait.
// It is meant for the first selection at startup.
func (s *Selector) ForceSelectChannel(c Channel) bool {
	if !c.Valid() {
		return false
	}

	s.switchLock.Lock()
	defer s.switchLock.Unlock()
	return s.switchTo(c) == nil
}

// CurrentChannel returns the last selected channel, or None.
func (s *Selector) CurrentChannel() Channel {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.current
}

// switchTo must be called with s.switchLock held.
func (s *Selector) switchTo(c Channel) error {
	if err := s.drive(Patterns[c]); err != nil {
		return err
	}
	time.Sleep(s.settleDelay)
	s.lock.Lock()
	s.lastSwitch = time.Now()
	s.current = c
	s.lock.Unlock()
	return nil
}

func (s *Selector) drive(pattern uint8) error {
	for i, level := range LineLevels(pattern) {
		if err := s.lines[i].Out(level); err != nil {
			return errors.Wrapf(err, "Drive select line S%d", i)
		}
	}
	return nil
}
