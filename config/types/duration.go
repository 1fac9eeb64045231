package types

import (
	"time"
)

// Duration is a wrapper type that parses time duration from text.
type Duration struct {
	time.Duration `validate:"required"`
}

// UnmarshalText unmarshals a duration from text, e.g. "30s" or "5m".
func (d *Duration) UnmarshalText(data []byte) error {
	duration, err := time.ParseDuration(string(data))
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}

// NewDuration returns a Duration wrapping the given time.Duration.
func NewDuration(duration time.Duration) Duration {
	return Duration{duration}
}
