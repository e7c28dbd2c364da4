// Package status reports daemon state on a status LED and in the log.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"

	"github.com/n0ot/muxbridged/pkg/mux"
)

const (
	// DefaultBlinkInterval is the LED half-period while clients are connected.
	DefaultBlinkInterval = 500 * time.Millisecond
	// DefaultReportInterval is how often a status line is logged.
	DefaultReportInterval = time.Minute
)

// Source is what the indicator reports on.
type Source interface {
	HasConnectedClients() bool
	CurrentChannel() mux.Channel
}

// Options tunes the indicator. Zero values select the defaults.
type Options struct {
	BlinkInterval  time.Duration
	ReportInterval time.Duration
	// ActiveLow is set when driving the LED pin low lights it.
	ActiveLow bool
}

// Indicator blinks an LED while any client is connected and keeps it dark otherwise.
type Indicator struct {
	log    *logrus.Logger
	led    gpio.PinOut
	source Source
	opts   Options

	lock      sync.Mutex // Protects lit and connected
	lit       bool
	connected bool
}

// New creates an indicator. led may be nil, in which case only the log is used.
func New(log *logrus.Logger, led gpio.PinOut, source Source, opts Options) *Indicator {
	if opts.BlinkInterval <= 0 {
		opts.BlinkInterval = DefaultBlinkInterval
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = DefaultReportInterval
	}
	return &Indicator{
		log:    log,
		led:    led,
		source: source,
		opts:   opts,
	}
}

// Tick advances the blink pattern by one half-period.
func (ind *Indicator) Tick() error {
	connected := ind.source.HasConnectedClients()

	ind.lock.Lock()
	changed := connected != ind.connected
	ind.connected = connected
	if connected {
		ind.lit = !ind.lit
	} else {
		ind.lit = false
	}
	lit := ind.lit
	ind.lock.Unlock()

	if changed {
		ind.log.WithFields(logrus.Fields{
			"clients_connected": connected,
			"channel":           ind.source.CurrentChannel().String(),
		}).Info("Client presence changed")
	}
	return ind.set(lit)
}

// Lit reports whether the LED is currently on.
func (ind *Indicator) Lit() bool {
	ind.lock.Lock()
	defer ind.lock.Unlock()
	return ind.lit
}

// Report logs the current status line.
func (ind *Indicator) Report() {
	ind.log.WithFields(logrus.Fields{
		"clients_connected": ind.source.HasConnectedClients(),
		"channel":           ind.source.CurrentChannel().String(),
	}).Info("Status")
}

// Run blinks the LED and logs status lines until ctx is cancelled.
// The LED is switched off before Run returns.
func (ind *Indicator) Run(ctx context.Context) {
	blink := time.NewTicker(ind.opts.BlinkInterval)
	defer blink.Stop()
	report := time.NewTicker(ind.opts.ReportInterval)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			ind.lock.Lock()
			ind.lit = false
			ind.lock.Unlock()
			if err := ind.set(false); err != nil {
				ind.log.WithField("error", err).Warn("Cannot switch status LED off")
			}
			return
		case <-blink.C:
			if err := ind.Tick(); err != nil {
				ind.log.WithField("error", err).Debug("Cannot drive status LED")
			}
		case <-report.C:
			ind.Report()
		}
	}
}

func (ind *Indicator) set(lit bool) error {
	if ind.led == nil {
		return nil
	}
	level := gpio.Level(lit)
	if ind.opts.ActiveLow {
		level = !level
	}
	return errors.Wrap(ind.led.Out(level), "Drive status LED")
}
