// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// configDuration reads a duration from the config.
// Strings use Go duration syntax ("30s", "50ms"); bare numbers are counted in unit,
// so `timeBetweenPings = 30` and `timeBetweenPings = "30s"` mean the same thing.
func configDuration(key string, unit time.Duration) (time.Duration, error) {
	switch v := viper.Get(key).(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * unit, nil
	case int32:
		return time.Duration(v) * unit, nil
	case int64:
		return time.Duration(v) * unit, nil
	case uint:
		return time.Duration(v) * unit, nil
	case float64:
		return time.Duration(v * float64(unit)), nil
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(n * float64(unit)), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, errors.Wrapf(err, "config key %s", key)
		}
		return d, nil
	default:
		return 0, errors.Errorf("config key %s: cannot use %T as a duration", key, v)
	}
}

// durations reads several duration keys, stopping at the first bad one.
type durations struct {
	err error
}

func (d *durations) get(key string, unit time.Duration) time.Duration {
	if d.err != nil {
		return 0
	}
	var v time.Duration
	v, d.err = configDuration(key, unit)
	return v
}
