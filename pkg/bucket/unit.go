package bucket

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TimeUnit is a rate-limit time unit expressed in whole seconds.
type TimeUnit int

// Canonical units.
const (
	UnitSecond TimeUnit = 1
	UnitMinute TimeUnit = 60
	UnitHour   TimeUnit = 3600
	UnitDay    TimeUnit = 86400
)

var unitNames = map[string]TimeUnit{
	"second": UnitSecond,
	"minute": UnitMinute,
	"hour":   UnitHour,
	"day":    UnitDay,
}

// ParseTimeUnit normalizes a unit name or a positive integer string into a
// TimeUnit.
func ParseTimeUnit(value string) (TimeUnit, error) {
	if unit, ok := unitNames[value]; ok {
		return unit, nil
	}
	seconds, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("unknown time unit %q", value)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("time unit must be positive, got %d", seconds)
	}
	return TimeUnit(seconds), nil
}

// Seconds returns the unit length in seconds.
func (u TimeUnit) Seconds() float64 {
	return float64(u)
}

// String returns the canonical unit name, or the number of seconds when no
// name exists.
func (u TimeUnit) String() string {
	switch u {
	case UnitSecond:
		return "second"
	case UnitMinute:
		return "minute"
	case UnitHour:
		return "hour"
	case UnitDay:
		return "day"
	}
	return strconv.Itoa(int(u))
}

// MarshalJSON encodes the unit as its string form.
func (u TimeUnit) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON accepts either a unit name or a number of seconds.
func (u *TimeUnit) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		unit, err := ParseTimeUnit(name)
		if err != nil {
			return err
		}
		*u = unit
		return nil
	}
	var seconds int
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("invalid time unit %s", string(data))
	}
	if seconds <= 0 {
		return fmt.Errorf("time unit must be positive, got %d", seconds)
	}
	*u = TimeUnit(seconds)
	return nil
}
