// Package verdict defines the four-valued compatibility lattice used to grade
// dependencies, images and whole projects.
package verdict

import (
	"fmt"
	"strings"
)

// Verdict is a graded compatibility result. The zero value is Compatible.
type Verdict int

const (
	Compatible Verdict = iota
	Unknown
	Partial
	Incompatible
)

var names = [...]string{
	Compatible:   "compatible",
	Unknown:      "unknown",
	Partial:      "partial",
	Incompatible: "incompatible",
}

// Rank returns the severity ordinal used for merging:
// Compatible=0, Unknown=1, Partial=2, Incompatible=3.
// Out-of-range values rank as Unknown.
func (v Verdict) Rank() int {
	switch v {
	case Compatible:
		return 0
	case Unknown:
		return 1
	case Partial:
		return 2
	case Incompatible:
		return 3
	default:
		return 1
	}
}

// Valid reports whether v is one of the four defined verdicts.
func (v Verdict) Valid() bool {
	return v >= Compatible && v <= Incompatible
}

func (v Verdict) String() string {
	if !v.Valid() {
		return fmt.Sprintf("verdict(%d)", int(v))
	}
	return names[v]
}

// AtLeast reports whether v is as severe as threshold.
func (v Verdict) AtLeast(threshold Verdict) bool {
	return v.Rank() >= threshold.Rank()
}

// Merge returns the more severe of a and b.
func Merge(a, b Verdict) Verdict {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// MergeAll folds vs with Merge. An empty list is Compatible.
func MergeAll(vs ...Verdict) Verdict {
	out := Compatible
	for _, v := range vs {
		out = Merge(out, v)
	}
	return out
}

// Parse converts a verdict name back into a Verdict. Matching is case-insensitive.
func Parse(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "compatible":
		return Compatible, nil
	case "unknown":
		return Unknown, nil
	case "partial":
		return Partial, nil
	case "incompatible":
		return Incompatible, nil
	}
	return Unknown, fmt.Errorf("invalid verdict %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (v Verdict) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("invalid verdict %d", int(v))
	}
	return []byte(names[v]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Verdict) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Accumulator merges verdicts while keeping optional (dev-only) contributions
// apart from the ones that count towards the overall verdict.
type Accumulator struct {
	required    Verdict
	optional    Verdict
	hasRequired bool
	hasOptional bool
}

// Add merges v into the required or optional side.
func (a *Accumulator) Add(v Verdict, optional bool) {
	if optional {
		a.optional = Merge(a.optional, v)
		a.hasOptional = true
		return
	}
	a.required = Merge(a.required, v)
	a.hasRequired = true
}

// Required is the merged verdict of every non-optional contribution.
func (a *Accumulator) Required() Verdict { return a.required }

// Optional is the merged verdict of every optional contribution.
func (a *Accumulator) Optional() Verdict { return a.optional }

// Empty reports whether nothing has been added.
func (a *Accumulator) Empty() bool { return !a.hasRequired && !a.hasOptional }
