package output

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sambabib/archcheck/pkg/report"
	"github.com/sambabib/archcheck/pkg/verdict"
)

// SARIF format specification: https://docs.oasis-open.org/sarif/sarif/v2.1.0/sarif-v2.1.0.html

// SarifReport represents the top-level SARIF report structure
type SarifReport struct {
	Schema  string     `json:"$schema"`
	Version string     `json:"version"`
	Runs    []SarifRun `json:"runs"`
}

// SarifRun represents a single run of the analysis tool
type SarifRun struct {
	Tool              SarifTool              `json:"tool"`
	AutomationDetails SarifAutomationDetails `json:"automationDetails"`
	Results           []SarifResult          `json:"results"`
	Invocations       []SarifInvocation      `json:"invocations"`
}

// SarifTool represents the tool that performed the analysis
type SarifTool struct {
	Driver SarifDriver `json:"driver"`
}

// SarifDriver represents the driver of the tool
type SarifDriver struct {
	Name           string      `json:"name"`
	Version        string      `json:"version"`
	InformationURI string      `json:"informationUri"`
	Rules          []SarifRule `json:"rules"`
}

// SarifAutomationDetails identifies one run.
type SarifAutomationDetails struct {
	ID   string `json:"id"`
	GUID string `json:"guid"`
}

// SarifRule represents a rule that was evaluated during the analysis
type SarifRule struct {
	ID               string            `json:"id"`
	ShortDescription SarifMessage      `json:"shortDescription"`
	FullDescription  SarifMessage      `json:"fullDescription"`
	Help             SarifMessage      `json:"help"`
	Properties       map[string]string `json:"properties,omitempty"`
}

// SarifResult represents a result of the analysis
type SarifResult struct {
	RuleID     string            `json:"ruleId"`
	Level      string            `json:"level"`
	Message    SarifMessage      `json:"message"`
	Locations  []SarifLocation   `json:"locations"`
	Properties map[string]string `json:"properties,omitempty"`
}

// SarifMessage represents a message in the SARIF report
type SarifMessage struct {
	Text string `json:"text"`
}

// SarifLocation represents a location in the code
type SarifLocation struct {
	PhysicalLocation SarifPhysicalLocation `json:"physicalLocation"`
}

// SarifPhysicalLocation represents a physical location in the code
type SarifPhysicalLocation struct {
	ArtifactLocation SarifArtifactLocation `json:"artifactLocation"`
}

// SarifArtifactLocation represents the location of an artifact
type SarifArtifactLocation struct {
	URI string `json:"uri"`
}

// SarifInvocation represents an invocation of the tool
type SarifInvocation struct {
	ExecutionSuccessful bool   `json:"executionSuccessful"`
	StartTimeUtc        string `json:"startTimeUtc"`
	EndTimeUtc          string `json:"endTimeUtc"`
}

var sarifRules = []SarifRule{
	{
		ID:               "arch-incompatible",
		ShortDescription: SarifMessage{Text: "Incompatible with the target platform"},
		FullDescription:  SarifMessage{Text: "Registry metadata shows this dependency, base image or instance type cannot run on the target platform."},
		Help:             SarifMessage{Text: "Replace it or move to a version that publishes builds for the target platform."},
	},
	{
		ID:               "arch-partial",
		ShortDescription: SarifMessage{Text: "Needs work on the target platform"},
		FullDescription:  SarifMessage{Text: "This entry can run on the target platform but needs a native build or a configuration change."},
		Help:             SarifMessage{Text: "Make sure build tools are available or remove the platform pin."},
	},
	{
		ID:               "arch-unknown",
		ShortDescription: SarifMessage{Text: "Compatibility could not be determined"},
		FullDescription:  SarifMessage{Text: "The registry did not answer or the entry could not be resolved."},
		Help:             SarifMessage{Text: "Verify this entry manually."},
	},
}

// ruleFor returns the rule ID and SARIF level for a finding. Compatible
// findings produce no result. Optional findings are reported one level lower.
func ruleFor(f report.Finding) (string, string, bool) {
	var ruleID, level string
	switch f.Verdict {
	case verdict.Incompatible:
		ruleID, level = "arch-incompatible", "error"
	case verdict.Partial:
		ruleID, level = "arch-partial", "warning"
	case verdict.Unknown:
		ruleID, level = "arch-unknown", "note"
	default:
		return "", "", false
	}
	if f.Optional {
		switch level {
		case "error":
			level = "warning"
		case "warning":
			level = "note"
		}
	}
	return ruleID, level, true
}

// GenerateSarifReport converts the non-compatible findings of r to SARIF.
func GenerateSarifReport(r *report.AggregatedReport, version string) ([]byte, error) {
	results := []SarifResult{}
	for _, key := range r.Keys() {
		for _, f := range r.Analyzers[key].Findings {
			ruleID, level, ok := ruleFor(f)
			if !ok {
				continue
			}
			locations := make([]SarifLocation, 0, len(f.SourceFiles))
			for _, file := range f.SourceFiles {
				locations = append(locations, SarifLocation{
					PhysicalLocation: SarifPhysicalLocation{ArtifactLocation: SarifArtifactLocation{URI: file}},
				})
			}
			results = append(results, SarifResult{
				RuleID:    ruleID,
				Level:     level,
				Message:   SarifMessage{Text: fmt.Sprintf("%s: %s", f.Identity, f.Reason)},
				Locations: locations,
				Properties: map[string]string{
					"analyzer": key,
					"verdict":  f.Verdict.String(),
					"target":   r.Target,
				},
			})
		}
	}

	if version == "" {
		version = "dev"
	}
	now := time.Now().UTC()
	sarifReport := SarifReport{
		Schema:  "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json",
		Version: "2.1.0",
		Runs: []SarifRun{
			{
				Tool: SarifTool{
					Driver: SarifDriver{
						Name:           "archcheck",
						Version:        version,
						InformationURI: "https://github.com/sambabib/archcheck",
						Rules:          sarifRules,
					},
				},
				AutomationDetails: SarifAutomationDetails{
					ID:   "archcheck/" + r.Target + "/",
					GUID: uuid.NewString(),
				},
				Results: results,
				Invocations: []SarifInvocation{
					{
						ExecutionSuccessful: true,
						StartTimeUtc:        now.Add(-time.Second).Format(time.RFC3339),
						EndTimeUtc:          now.Format(time.RFC3339),
					},
				},
			},
		},
	}
	return json.MarshalIndent(sarifReport, "", "  ")
}
