package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Duration is stored in the config file as a number of seconds.
type Duration time.Duration

func Seconds(s float64) Duration {
	return Duration(s * float64(time.Second))
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case float64:
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("invalid duration: %v", v)
		}
		*d = Seconds(v)
	case int64:
		if v < 0 {
			return fmt.Errorf("invalid duration: %d", v)
		}
		*d = Duration(time.Duration(v) * time.Second)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("duration must be a number of seconds, got %T", data)
	}
	return nil
}

func (d Duration) MarshalTOML() ([]byte, error) {
	s := strconv.FormatFloat(time.Duration(d).Seconds(), 'f', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return []byte(s), nil
}
