package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
)

// packageJSON holds the dependency groups of a package.json.
type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// ParsePackageJSON reads the dependencies and devDependencies groups. Entries
// in devDependencies are optional because they never ship to the runtime.
// A name present in both groups is recorded once, as a runtime dependency.
// Invalid JSON yields no records and a StructuralError.
func ParsePackageJSON(content []byte, path string) Dependencies {
	var pkg packageJSON
	if err := json.Unmarshal(content, &pkg); err != nil {
		return Dependencies{Errors: []error{&StructuralError{Path: path, Err: fmt.Errorf("invalid package.json: %w", err)}}}
	}

	var out Dependencies
	for _, name := range sortedKeys(pkg.Dependencies) {
		out.Records = append(out.Records, DependencyRecord{
			Name:       name,
			Constraint: pkg.Dependencies[name],
			Ecosystem:  EcosystemNpm,
			SourceFile: path,
		})
	}
	for _, name := range sortedKeys(pkg.DevDependencies) {
		if _, runtime := pkg.Dependencies[name]; runtime {
			continue
		}
		out.Records = append(out.Records, DependencyRecord{
			Name:       name,
			Constraint: pkg.DevDependencies[name],
			Ecosystem:  EcosystemNpm,
			Optional:   true,
			SourceFile: path,
		})
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
