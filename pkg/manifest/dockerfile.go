package manifest

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// ImageMention is one external base image referenced by a FROM instruction.
type ImageMention struct {
	Reference  string `json:"reference"`
	Platform   string `json:"platform,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Line       int    `json:"line"`
	SourceFile string `json:"source_file"`
}

// Dockerfile is the result of parsing a Dockerfile.
type Dockerfile struct {
	Images []ImageMention
	// ArchHints are instructions that mention an architecture explicitly.
	ArchHints []string
	Errors    []error
}

var archKeywords = []string{"amd64", "x86_64", "arm64", "aarch64", "arm/v", "graviton", "--platform"}

// ParseDockerfile extracts base images from FROM instructions. Global ARG
// defaults are substituted into references, FROM lines naming an earlier
// build stage are skipped, and a --platform flag is kept as written.
func ParseDockerfile(content []byte, path string) Dockerfile {
	var out Dockerfile
	res, err := parser.Parse(bytes.NewReader(content))
	if err != nil {
		out.Errors = append(out.Errors, &StructuralError{Path: path, Err: fmt.Errorf("invalid Dockerfile: %w", err)})
		return out
	}

	args := map[string]string{}
	stages := map[string]bool{}
	seenFrom := false
	for _, node := range res.AST.Children {
		if hasArchKeyword(node.Original) {
			out.ArchHints = append(out.ArchHints, strings.TrimSpace(node.Original))
		}
		switch node.Value {
		case "arg":
			if seenFrom {
				continue
			}
			for n := node.Next; n != nil; n = n.Next {
				name, value, _ := strings.Cut(n.Value, "=")
				args[name] = strings.Trim(value, `"'`)
			}
		case "from":
			seenFrom = true
			if node.Next == nil {
				out.Errors = append(out.Errors, &StructuralError{Path: path, Line: node.StartLine, Err: fmt.Errorf("FROM without image")})
				continue
			}
			ref := expandArgs(node.Next.Value, args)
			stage := ""
			if as := node.Next.Next; as != nil && strings.EqualFold(as.Value, "as") && as.Next != nil {
				stage = strings.ToLower(as.Next.Value)
			}
			skip := stages[strings.ToLower(ref)]
			if stage != "" {
				stages[stage] = true
			}
			if skip {
				continue
			}
			out.Images = append(out.Images, ImageMention{
				Reference:  ref,
				Platform:   platformFlag(node.Flags, args),
				Stage:      stage,
				Line:       node.StartLine,
				SourceFile: path,
			})
		}
	}
	return out
}

func platformFlag(flags []string, args map[string]string) string {
	for _, f := range flags {
		if v, ok := strings.CutPrefix(f, "--platform="); ok {
			return expandArgs(v, args)
		}
	}
	return ""
}

// expandArgs substitutes $NAME, ${NAME} and ${NAME:-default}. Unknown names
// are left in place so the reference stays visibly unresolved.
func expandArgs(s string, args map[string]string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDef := strings.Cut(key, ":-")
		if v, ok := args[name]; ok && v != "" {
			return v
		}
		if hasDef {
			return def
		}
		return "${" + key + "}"
	})
}

func hasArchKeyword(line string) bool {
	lower := strings.ToLower(line)
	for _, k := range archKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
