// Package manifest turns raw manifest files into declared dependency records,
// base image mentions and instance type mentions. Parsers never fail hard: a
// malformed file yields whatever could be recovered plus a StructuralError.
package manifest

import (
	"fmt"
)

// Ecosystem identifies a package registry family.
type Ecosystem string

const (
	EcosystemPyPI Ecosystem = "pypi"
	EcosystemNpm  Ecosystem = "npm"
)

// DependencyRecord is one declared dependency. It is never mutated after parsing.
type DependencyRecord struct {
	Name       string    `json:"name"`
	Constraint string    `json:"constraint,omitempty"`
	Ecosystem  Ecosystem `json:"ecosystem"`
	Optional   bool      `json:"optional,omitempty"`
	SourceFile string    `json:"source_file,omitempty"`
}

// Identity is the dedup key for a record across files.
func (d DependencyRecord) Identity() string {
	c := d.Constraint
	if c == "" {
		c = "*"
	}
	switch d.Ecosystem {
	case EcosystemPyPI:
		if c == "*" {
			return fmt.Sprintf("%s:%s", d.Ecosystem, d.Name)
		}
		return fmt.Sprintf("%s:%s%s", d.Ecosystem, d.Name, c)
	default:
		return fmt.Sprintf("%s:%s@%s", d.Ecosystem, d.Name, c)
	}
}

// StructuralError marks a manifest that could not be parsed as a whole, or a
// line within it that had to be skipped.
type StructuralError struct {
	Path string
	Line int
	Err  error
}

func (e *StructuralError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// Dependencies is the result of parsing a dependency manifest.
type Dependencies struct {
	Records []DependencyRecord
	Errors  []error
}
