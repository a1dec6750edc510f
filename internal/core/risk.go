package core

import (
	"fmt"
	"strings"
)

// RiskLevel is the ordinal severity of a finding or an endpoint.
// The zero value means the level could not be determined.
type RiskLevel int

const (
	RiskUnknown RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = map[RiskLevel]string{
	RiskUnknown:  "UNKNOWN",
	RiskLow:      "LOW",
	RiskMedium:   "MEDIUM",
	RiskHigh:     "HIGH",
	RiskCritical: "CRITICAL",
}

func (r RiskLevel) String() string {
	if name, ok := riskNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RiskLevel(%d)", int(r))
}

// MarshalText renders the level by name in JSON and YAML reports.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a level name, case-insensitively.
func (r *RiskLevel) UnmarshalText(text []byte) error {
	want := strings.ToUpper(strings.TrimSpace(string(text)))
	for level, name := range riskNames {
		if name == want {
			*r = level
			return nil
		}
	}
	return fmt.Errorf("unknown risk level %q", string(text))
}

// MaxRisk returns the highest known level. UNKNOWN never wins over a known level.
func MaxRisk(levels ...RiskLevel) RiskLevel {
	max := RiskUnknown
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}

// Tristate is a boolean that may not have been resolved.
type Tristate int

const (
	Unknown Tristate = iota
	False
	True
)

// TristateOf converts a resolved boolean.
func TristateOf(b bool) Tristate {
	if b {
		return True
	}
	return False
}

// IsTrue reports whether the value is known and true.
func (t Tristate) IsTrue() bool { return t == True }

func (t Tristate) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalText renders "true", "false" or "unknown".
func (t Tristate) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses "true", "false" or "unknown".
func (t *Tristate) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "true":
		*t = True
	case "false":
		*t = False
	case "unknown", "":
		*t = Unknown
	default:
		return fmt.Errorf("invalid tristate %q", string(text))
	}
	return nil
}
