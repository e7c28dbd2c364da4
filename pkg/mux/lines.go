package mux

import (
	"fmt"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/host/v3"
)

// DefaultPins names the GPIOs wired to S0..S3.
var DefaultPins = []string{"GPIO3", "GPIO4", "GPIO9", "GPIO10"}

// OpenPin initializes the host drivers and looks up a GPIO by name.
func OpenPin(name string) (gpio.PinIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "Initialize host drivers")
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, errors.Errorf("no GPIO pin named %q", name)
	}
	return pin, nil
}

// OpenLines resolves the select lines, S0 first.
func OpenLines(names []string) ([]gpio.PinOut, error) {
	if len(names) != NumLines {
		return nil, ErrInvalidLines
	}
	lines := make([]gpio.PinOut, 0, NumLines)
	for _, name := range names {
		pin, err := OpenPin(name)
		if err != nil {
			return nil, err
		}
		lines = append(lines, pin)
	}
	return lines, nil
}

// SimulatedLines returns in-memory select lines for running without hardware.
func SimulatedLines() []gpio.PinOut {
	lines := make([]gpio.PinOut, 0, NumLines)
	for i := 0; i < NumLines; i++ {
		lines = append(lines, &gpiotest.Pin{N: fmt.Sprintf("S%d", i), Num: i})
	}
	return lines
}
