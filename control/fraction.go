package control

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SimpleFraction is a rational number serialized as "n" or "n/d", used for
// frame rates such as "30000/1001".
type SimpleFraction struct {
	Numerator   int
	Denominator int
}

// ParseSimpleFraction parses "n" or "n/d".
func ParseSimpleFraction(s string) (SimpleFraction, error) {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.Atoi(num)
	if err != nil {
		return SimpleFraction{}, fmt.Errorf("%w: %q", ErrInvalidFraction, s)
	}
	if !found {
		return SimpleFraction{Numerator: n, Denominator: 1}, nil
	}
	d, err := strconv.Atoi(den)
	if err != nil {
		return SimpleFraction{}, fmt.Errorf("%w: %q", ErrInvalidFraction, s)
	}
	return SimpleFraction{Numerator: n, Denominator: d}, nil
}

// IsPositive reports whether the fraction is defined and greater than zero.
func (f SimpleFraction) IsPositive() bool {
	return f.Denominator != 0 && f.Float64() > 0
}

// Float64 returns the value, or 0 for an undefined fraction.
func (f SimpleFraction) Float64() float64 {
	if f.Denominator == 0 {
		return 0
	}
	return float64(f.Numerator) / float64(f.Denominator)
}

// String formats the fraction, omitting a denominator of 1.
func (f SimpleFraction) String() string {
	if f.Denominator == 1 {
		return strconv.Itoa(f.Numerator)
	}
	return strconv.Itoa(f.Numerator) + "/" + strconv.Itoa(f.Denominator)
}

// MarshalJSON encodes the fraction as a string.
func (f SimpleFraction) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON decodes "n", "n/d" or a bare JSON number.
func (f *SimpleFraction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return fmt.Errorf("%w: %s", ErrInvalidFraction, data)
		}
		*f = SimpleFraction{Numerator: n, Denominator: 1}
		return nil
	}
	parsed, err := ParseSimpleFraction(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// RTPTimebase is the RTP clock rate in Hz, serialized as "1/rate".
type RTPTimebase int

// MarshalJSON encodes the timebase as "1/rate".
func (t RTPTimebase) MarshalJSON() ([]byte, error) {
	return json.Marshal("1/" + strconv.Itoa(int(t)))
}

// UnmarshalJSON decodes "1/rate".
func (t *RTPTimebase) UnmarshalJSON(data []byte) error {
	var f SimpleFraction
	if err := f.UnmarshalJSON(data); err != nil {
		return err
	}
	if f.Numerator != 1 || f.Denominator <= 0 {
		return fmt.Errorf("%w: time base %s", ErrInvalidFraction, data)
	}
	*t = RTPTimebase(f.Denominator)
	return nil
}
