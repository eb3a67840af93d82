package cmd

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sambabib/archcheck/pkg/report"
	"github.com/sambabib/archcheck/pkg/verdict"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags restores every analyze flag to its default after a test.
func resetFlags() {
	analyzeCmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	verbose = false
}

func runAnalyze(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(resetFlags)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"analyze"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func TestAnalyze_ScratchImageJSON(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"Dockerfile":    "FROM scratch\nCOPY app /app\n",
		"archcheck.yml": "analyzers:\n  dependency: false\n",
	})

	out, err := runAnalyze(t, "--path", dir, "--config", filepath.Join(dir, "archcheck.yml"), "--format", "json")
	require.NoError(t, err)

	rep, err := report.Unmarshal([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, verdict.Compatible, rep.Overall)
	assert.Equal(t, "linux/arm64", rep.Target)
	require.Len(t, rep.Analyzers["docker"].Findings, 1)
	assert.Equal(t, "no base image", rep.Analyzers["docker"].Findings[0].Reason)
}

func TestAnalyze_FailOnThreshold(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"infra/main.tf": "resource \"aws_instance\" \"gpu\" {\n  instance_type = \"p3.2xlarge\"\n}\n",
		"cfg.yaml":      "analyzers:\n  dependency: false\n  docker: false\n  terraform: true\n",
	})

	out, err := runAnalyze(t, "--path", dir, "--config", filepath.Join(dir, "cfg.yaml"), "--fail-on", "partial")
	var threshold *ThresholdError
	require.True(t, errors.As(err, &threshold), "got %v", err)
	assert.Equal(t, verdict.Incompatible, threshold.Overall)
	assert.Contains(t, out, "p3.2xlarge")
	assert.Contains(t, out, "Overall verdict: INCOMPATIBLE")
}

func TestAnalyze_NothingToAnalyzeWritesFile(t *testing.T) {
	dir := writeProject(t, map[string]string{"README.md": "hello"})
	target := filepath.Join(t.TempDir(), "report.json")

	_, err := runAnalyze(t, "--path", dir, "--config", filepath.Join(dir, "missing.yaml"), "-f", "json", "-o", target)
	require.NoError(t, err, "unknown is below the default threshold")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	rep, err := report.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, verdict.Unknown, rep.Overall)
	assert.Contains(t, rep.Reasoning[0], "nothing to analyze")
}

func TestAnalyze_InvalidInput(t *testing.T) {
	dir := writeProject(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	cfg := filepath.Join(dir, "missing.yaml")

	_, err := runAnalyze(t, "--path", dir, "--config", cfg, "--target", "linux/")
	assert.ErrorContains(t, err, "invalid target")

	_, err = runAnalyze(t, "--path", dir, "--config", cfg, "--fail-on", "sometimes")
	assert.ErrorContains(t, err, "invalid --fail-on")

	_, err = runAnalyze(t, "--path", dir, "--config", cfg, "--format", "xml")
	assert.ErrorContains(t, err, "unsupported output format")
}
