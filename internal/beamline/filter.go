package beamline

import (
	"fmt"
	"regexp"
)

// wildcard matches every type or zone.
const wildcard = "ALL"

// Filter selects magnets by type, zone and a name pattern. Empty or "ALL"
// Type and Zone match everything. Pattern is anchored at the start of the
// name only, so "QUA" selects QUATB001.
type Filter struct {
	Type    string
	Zone    string
	Pattern string
}

// Apply returns the magnets matching f, in list order.
func (f Filter) Apply(magnets []Magnet) ([]Magnet, error) {
	pattern := f.Pattern
	if pattern == "" {
		pattern = ".*"
	}
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("compiling name pattern: %w", err)
	}

	var out []Magnet
	for _, m := range magnets {
		if matches(f.Type, m.Type) && matches(f.Zone, m.Zone) && re.MatchString(m.Name) {
			out = append(out, m)
		}
	}
	return out, nil
}

func matches(want, got string) bool {
	return want == "" || want == wildcard || want == got
}
