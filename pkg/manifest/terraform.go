package manifest

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"
)

// InstanceMention is one instance type declared in infrastructure code.
type InstanceMention struct {
	InstanceType string `json:"instance_type"`
	Line         int    `json:"line"`
	SourceFile   string `json:"source_file"`
}

var (
	instanceTypePattern  = regexp.MustCompile(`^\s*instance_type\s*=\s*"([^"$]+)"`)
	instanceTypesPattern = regexp.MustCompile(`^\s*instance_types\s*=\s*\[([^\]]*)\]`)
	quoted               = regexp.MustCompile(`"([^"$]+)"`)
)

// ParseTerraform extracts literal instance_type and instance_types values.
// Interpolated values are ignored.
func ParseTerraform(content []byte, path string) []InstanceMention {
	var out []InstanceMention
	scanner := bufio.NewScanner(bytes.NewReader(content))
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(text), "#") || strings.HasPrefix(strings.TrimSpace(text), "//") {
			continue
		}
		if m := instanceTypePattern.FindStringSubmatch(text); m != nil {
			out = append(out, InstanceMention{InstanceType: strings.TrimSpace(m[1]), Line: line, SourceFile: path})
			continue
		}
		if m := instanceTypesPattern.FindStringSubmatch(text); m != nil {
			for _, q := range quoted.FindAllStringSubmatch(m[1], -1) {
				out = append(out, InstanceMention{InstanceType: strings.TrimSpace(q[1]), Line: line, SourceFile: path})
			}
		}
	}
	return out
}
