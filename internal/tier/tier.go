// Package tier defines the closed set of storage tiers and their ordering.
// Tiers form a strict temperature scale (HOT > WARM > COLD) and promotion or
// demotion always moves a single step along it.
package tier

import "fmt"

// Tier identifies a storage class. The zero value is Cold so that an
// uninitialized Tier never reads as the most expensive class.
type Tier int

const (
	Cold Tier = iota
	Warm
	Hot
)

var names = [...]string{
	Cold: "COLD",
	Warm: "WARM",
	Hot:  "HOT",
}

// All lists every tier from coldest to hottest.
func All() []Tier {
	return []Tier{Cold, Warm, Hot}
}

func (t Tier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return names[t]
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	return t >= Cold && t <= Hot
}

// Warmer returns the next tier toward HOT. HOT returns itself.
func (t Tier) Warmer() Tier {
	if t >= Hot {
		return Hot
	}
	return t + 1
}

// Colder returns the next tier toward COLD. COLD returns itself.
func (t Tier) Colder() Tier {
	if t <= Cold {
		return Cold
	}
	return t - 1
}

// Adjacent reports whether moving from t to other is a single-step move.
func (t Tier) Adjacent(other Tier) bool {
	diff := int(t) - int(other)
	return diff == 1 || diff == -1
}

// Parse converts the canonical upper-case name of a tier back to its value.
func Parse(s string) (Tier, error) {
	switch s {
	case "HOT":
		return Hot, nil
	case "WARM":
		return Warm, nil
	case "COLD":
		return Cold, nil
	default:
		return Cold, fmt.Errorf("unknown tier %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler using the canonical name.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(names[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
