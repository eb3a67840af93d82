package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// name, optional [extras], optional specifier set, optional ; marker
	reqPattern = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*(\[[^\]]*\])?\s*(\(?\s*(?:(?:===|==|!=|~=|<=|>=|<|>)\s*[A-Za-z0-9.*+!_-]+\s*,?\s*)*\)?)\s*(?:;.*)?$`)
	nameNormalizer = regexp.MustCompile(`[-_.]+`)
	errEmpty       = errors.New("empty requirement")
)

// CanonicalPyPIName applies PEP 503 normalization: lower case with runs of
// '-', '_' and '.' collapsed into a single '-'.
func CanonicalPyPIName(name string) string {
	return strings.ToLower(nameNormalizer.ReplaceAllString(strings.TrimSpace(name), "-"))
}

// ParseRequirements parses a pip requirements file. One record per requirement
// line; extras and environment markers are dropped; a missing specifier means
// any version. Options (-r, -e, --index-url ...), URLs and VCS references are
// skipped with an error marker.
func ParseRequirements(content []byte, path string) Dependencies {
	var out Dependencies
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNum := 0
	var pending strings.Builder
	pendingStart := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Text()
		if pending.Len() == 0 {
			pendingStart = lineNum
		}
		if strings.HasSuffix(strings.TrimRight(raw, " \t"), `\`) {
			pending.WriteString(strings.TrimSuffix(strings.TrimRight(raw, " \t"), `\`))
			pending.WriteByte(' ')
			continue
		}
		pending.WriteString(raw)
		line := pending.String()
		pending.Reset()

		rec, err := ParseRequirementLine(line)
		if errors.Is(err, errEmpty) {
			continue
		}
		if err != nil {
			out.Errors = append(out.Errors, &StructuralError{Path: path, Line: pendingStart, Err: err})
			continue
		}
		rec.SourceFile = path
		out.Records = append(out.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		out.Errors = append(out.Errors, &StructuralError{Path: path, Err: err})
	}
	return out
}

// ParseRequirementLine parses a single PEP 508 style requirement such as
// "requests[socks]>=2.8.1,<3 ; python_version >= '3.7'".
func ParseRequirementLine(line string) (DependencyRecord, error) {
	line = stripComment(line)
	if line == "" {
		return DependencyRecord{}, errEmpty
	}
	if strings.HasPrefix(line, "-") {
		return DependencyRecord{}, fmt.Errorf("pip option not analyzed: %s", line)
	}
	if strings.Contains(line, "://") || strings.Contains(line, " @ ") {
		return DependencyRecord{}, fmt.Errorf("direct URL requirement not analyzed: %s", line)
	}

	m := reqPattern.FindStringSubmatch(line)
	if m == nil {
		return DependencyRecord{}, fmt.Errorf("unsupported requirement format: %s", line)
	}
	spec := strings.Trim(m[3], "() ")
	spec = strings.Join(strings.Fields(spec), "")
	spec = strings.TrimSuffix(spec, ",")
	return DependencyRecord{
		Name:       CanonicalPyPIName(m[1]),
		Constraint: spec,
		Ecosystem:  EcosystemPyPI,
	}, nil
}

// stripComment removes a '#' comment that starts the line or follows whitespace.
func stripComment(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "#") {
		return ""
	}
	for i := 1; i < len(line); i++ {
		if line[i] == '#' && (line[i-1] == ' ' || line[i-1] == '\t') {
			return strings.TrimSpace(line[:i])
		}
	}
	return line
}
