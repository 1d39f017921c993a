// Package timex provides a time.Duration that reads naturally from JSON
// config files.
package timex

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration accepts either a Go duration string ("30s", "1h15m") or a plain
// number of seconds when decoded from JSON, and is written back as a string.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

// UnmarshalText lets env and flag parsers fill a Duration.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = parsed
	return nil
}
