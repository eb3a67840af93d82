package analyzer

import (
	"context"
	"testing"

	"github.com/sambabib/archcheck/pkg/report"
	"github.com/sambabib/archcheck/pkg/resolver"
	"github.com/sambabib/archcheck/pkg/verdict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependencyAnalyzer_AnalyzeFile(t *testing.T) {
	a := NewDependencyAnalyzer(nil)

	raw := a.AnalyzeFile("requirements.txt", []byte("flask>=2\n-e .\n"))
	require.Len(t, raw.Dependencies, 1)
	assert.Equal(t, "flask", raw.Dependencies[0].Name)
	assert.Len(t, raw.Errors, 1)

	raw = a.AnalyzeFile("web/package.json", []byte(`{"devDependencies": {"jest": "^29.0.0"}}`))
	require.Len(t, raw.Dependencies, 1)
	assert.True(t, raw.Dependencies[0].Optional)
}

func TestDependencyAnalyzer_RequiredWinsOverOptional(t *testing.T) {
	a := NewDependencyAnalyzer(nil)
	raw := []RawFindings{
		a.AnalyzeFile("a/package.json", []byte(`{"devDependencies": {"sharp": "^0.32.0"}}`)),
		a.AnalyzeFile("b/package.json", []byte(`{"dependencies": {"sharp": "^0.32.0"}}`)),
	}
	deps := a.dedupe(raw)
	require.Len(t, deps, 1)
	assert.False(t, deps[0].record.Optional)
	assert.Equal(t, []string{"a/package.json", "b/package.json"}, deps[0].sources)
}

func TestDependencyAnalyzer_Ignore(t *testing.T) {
	a := NewDependencyAnalyzer(resolver.New(resolver.Options{}))
	a.Ignore = func(name string) bool { return name == "internal-lib" }

	rep := a.Aggregate(context.Background(), []RawFindings{
		a.AnalyzeFile("requirements.txt", []byte("internal-lib==1.0\n")),
	})
	assert.Empty(t, rep.Findings)
	assert.Equal(t, verdict.Compatible, rep.Verdict)
}

func TestDependencyAnalyzer_NoClientIsUnknown(t *testing.T) {
	a := NewDependencyAnalyzer(resolver.New(resolver.Options{}))

	rep := a.Aggregate(context.Background(), []RawFindings{
		a.AnalyzeFile("requirements.txt", []byte("numpy==1.26.4\n")),
	})
	require.Len(t, rep.Findings, 1)
	assert.Equal(t, verdict.Unknown, rep.Findings[0].Verdict)
	assert.Contains(t, rep.Findings[0].Reason, "no registry client")
}

func TestDependencyRecommendation(t *testing.T) {
	assert.Empty(t, dependencyRecommendation(report.Finding{Identity: "pypi:six", Verdict: verdict.Compatible}))
	assert.Empty(t, dependencyRecommendation(report.Finding{Identity: "pypi:six", Verdict: verdict.Unknown}))

	rec := dependencyRecommendation(report.Finding{Identity: "pypi:lxml", Verdict: verdict.Partial, Reason: "requires native build"})
	assert.Contains(t, rec, "native build tools")
	assert.NotContains(t, rec, "overall verdict")

	rec = dependencyRecommendation(report.Finding{Identity: "npm:fsevents@^2", Verdict: verdict.Incompatible, Optional: true})
	assert.Contains(t, rec, "optional dependency npm:fsevents@^2")
	assert.Contains(t, rec, "does not affect the overall verdict")
}
