// Package sensor defines the raw observations reported by the wearable.
package sensor

import (
	"fmt"
	"strings"
)

// Kind identifies which channel of the device produced a sample.
type Kind int

const (
	KindHeartRate Kind = iota
	KindSpO2
	KindTemperature
	KindBattery
	KindAccelerometer
	KindPPGRed
	KindPPGIR
	KindPPGGreen
	KindGrinding
	KindClenching

	numKinds
)

var kindNames = [...]string{
	KindHeartRate:     "heart_rate",
	KindSpO2:          "spo2",
	KindTemperature:   "temperature",
	KindBattery:       "battery",
	KindAccelerometer: "accelerometer",
	KindPPGRed:        "ppg_red",
	KindPPGIR:         "ppg_ir",
	KindPPGGreen:      "ppg_green",
	KindGrinding:      "grinding",
	KindClenching:     "clenching",
}

// String returns the canonical lowercase name.
func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k >= 0 && k < numKinds
}

// IsEvent returns true for kinds whose samples are event flags.
// Event samples are counted, never averaged.
func (k Kind) IsEvent() bool {
	return k == KindGrinding || k == KindClenching
}

// ParseKind converts a name such as "heart_rate" or "spo2" into a Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "-", "_")
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// AllKinds returns every kind in declaration order.
func AllKinds() []Kind {
	kinds := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// MarshalText implements encoding.TextMarshaler so kinds can key JSON maps.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
