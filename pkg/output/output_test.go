package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sambabib/archcheck/pkg/report"
	"github.com/sambabib/archcheck/pkg/verdict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *report.AggregatedReport {
	return &report.AggregatedReport{
		Target: "linux/arm64",
		Analyzers: map[string]report.AnalyzerReport{
			"dependency": {
				Key:     "dependency",
				Verdict: verdict.Partial,
				Findings: []report.Finding{
					{Identity: "pypi:requests==2.31.0", Verdict: verdict.Compatible, Reason: "platform-independent wheel", SourceFiles: []string{"requirements.txt"}},
					{Identity: "pypi:lxml", Verdict: verdict.Partial, Reason: strings.Repeat("requires native build ", 6), SourceFiles: []string{"requirements.txt"}},
					{Identity: "npm:fsevents@^2.3.0", Verdict: verdict.Incompatible, Reason: `os field ["darwin"] excludes linux`, Optional: true, SourceFiles: []string{"package.json"}},
				},
				Errors: []string{"requirements.txt:3: pip option not analyzed: -e ."},
			},
			"docker": {
				Key:     "docker",
				Verdict: verdict.Incompatible,
				Findings: []report.Finding{
					{Identity: "python:3.9-slim", Verdict: verdict.Incompatible, Reason: "no matching platform entry in manifest list (available: linux/amd64)", SourceFiles: []string{"Dockerfile", "worker/Dockerfile"}},
				},
			},
		},
		Overall:         verdict.Incompatible,
		Recommendations: []string{"Base image python:3.9-slim has no linux/arm64 variant"},
		Reasoning:       []string{"docker: incompatible across 1 findings"},
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, sampleReport()))
	out := buf.String()

	assert.Contains(t, out, "ANALYZER")
	assert.Contains(t, out, "pypi:requests==2.31.0")
	assert.Contains(t, out, "Overall verdict: INCOMPATIBLE")
	assert.Contains(t, out, "Recommendations:\n  - Base image python:3.9-slim")
	assert.Contains(t, out, "Errors (dependency):")
	assert.Contains(t, out, "...", "long reasons are truncated")
	assert.Less(t, strings.Index(out, "dependency"), strings.Index(out, "docker"))
}

func TestWriteJSON_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	orig := sampleReport()
	require.NoError(t, WriteJSON(&buf, orig))

	decoded, err := report.Unmarshal(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, orig.Findings(), decoded.Findings())
	assert.Equal(t, verdict.Incompatible, decoded.Overall)
}

func TestGenerateSarifReport(t *testing.T) {
	data, err := GenerateSarifReport(sampleReport(), "1.2.3")
	require.NoError(t, err)

	var sarif SarifReport
	require.NoError(t, json.Unmarshal(data, &sarif))
	require.Len(t, sarif.Runs, 1)
	run := sarif.Runs[0]
	assert.Equal(t, "1.2.3", run.Tool.Driver.Version)
	_, err = uuid.Parse(run.AutomationDetails.GUID)
	assert.NoError(t, err)

	require.Len(t, run.Results, 3, "compatible findings are not reported")
	byIdentity := map[string]SarifResult{}
	for _, r := range run.Results {
		for _, id := range []string{"pypi:lxml", "npm:fsevents@^2.3.0", "python:3.9-slim"} {
			if strings.HasPrefix(r.Message.Text, id+": ") {
				byIdentity[id] = r
			}
		}
	}
	require.Len(t, byIdentity, 3)
	assert.Equal(t, "arch-partial", byIdentity["pypi:lxml"].RuleID)
	assert.Equal(t, "warning", byIdentity["pypi:lxml"].Level)
	assert.Equal(t, "arch-incompatible", byIdentity["npm:fsevents@^2.3.0"].RuleID)
	assert.Equal(t, "warning", byIdentity["npm:fsevents@^2.3.0"].Level, "optional findings are one level lower")
	assert.Equal(t, "error", byIdentity["python:3.9-slim"].Level)

	docker := byIdentity["python:3.9-slim"]
	assert.Len(t, docker.Locations, 2)
	assert.Equal(t, "docker", docker.Properties["analyzer"])
}

func TestWrite(t *testing.T) {
	for _, format := range []string{"", FormatText, FormatJSON, FormatSarif} {
		var buf bytes.Buffer
		assert.NoError(t, Write(&buf, format, sampleReport(), "dev"), format)
		assert.NotEmpty(t, buf.String())
	}
	assert.Error(t, Write(&bytes.Buffer{}, "xml", sampleReport(), "dev"))
}
