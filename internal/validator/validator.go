// Package validator verifies staged files against the staging manifest and
// optionally merges an external analyzer's structured verdict.
package validator

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/bloomworks/bloom/internal/errs"
	"github.com/bloomworks/bloom/internal/staging"
)

// Issue describes one basic-validation problem.
type Issue struct {
	Path    string `json:"path"`
	Problem string `json:"problem"`
}

// BasicReport is the result of manifest/hash verification alone.
type BasicReport struct {
	Passed       bool    `json:"passed"`
	FilesChecked int     `json:"files_checked"`
	Issues       []Issue `json:"issues"`
}

// AnalyzerScores is the structured scoring an external analyzer returns.
type AnalyzerScores struct {
	Consistency  float64 `json:"consistency"`
	Quality      float64 `json:"quality"`
	Completeness float64 `json:"completeness"`
}

// AnalyzerVerdict is the external analyzer's structured answer.
type AnalyzerVerdict struct {
	Scores         AnalyzerScores `json:"scores"`
	Risks          []string       `json:"risks"`
	Recommendation string         `json:"recommendation"` // approve | review_needed | reject
}

// Analyzer is implemented by whatever external analysis backend is wired
// in; the validator only depends on this interface, not on any SDK.
type Analyzer interface {
	Analyze(plan map[string]any, stagedContent map[string]string) (*AnalyzerVerdict, error)
}

// Report is the ".report.json" document.
type Report struct {
	Basic          BasicReport      `json:"basic"`
	Analyzer       *AnalyzerVerdict `json:"analyzer,omitempty"`
	Approved       bool             `json:"approved"`
	ReadyForMerge  bool             `json:"ready_for_merge"`
}

// Options configures one Validate call.
type Options struct {
	ResponseDir  string // contains .staging/ and .staging_manifest.json
	Plan         map[string]any
	Analyzer     Analyzer
	AutoApprove  bool
}

// Validate runs basic MD5 verification, optionally invokes the analyzer,
// and derives approved/ready_for_merge per spec.
func Validate(opts Options) (*Report, error) {
	manifest, err := staging.LoadManifest(opts.ResponseDir)
	if err != nil {
		return nil, err
	}

	basic := BasicReport{}
	stagedContent := map[string]string{}

	for _, f := range manifest.Files {
		if f.Action == staging.ActionDelete {
			continue
		}
		path := filepath.Join(opts.ResponseDir, ".staging", f.TargetPath)
		data, err := os.ReadFile(path)
		if err != nil {
			basic.Issues = append(basic.Issues, Issue{Path: f.TargetPath, Problem: "missing staged file"})
			continue
		}
		basic.FilesChecked++
		stagedContent[f.TargetPath] = string(data)

		if f.Hash != "" {
			sum := md5.Sum(data)
			if hex.EncodeToString(sum[:]) != f.Hash {
				basic.Issues = append(basic.Issues, Issue{Path: f.TargetPath, Problem: "hash mismatch"})
			}
		}
	}
	basic.Passed = len(basic.Issues) == 0

	report := &Report{Basic: basic}

	if opts.Analyzer != nil {
		verdict, err := opts.Analyzer.Analyze(opts.Plan, stagedContent)
		if err == nil {
			report.Analyzer = verdict
		}
	}

	report.Approved = basic.Passed
	report.ReadyForMerge = basic.Passed

	if opts.AutoApprove {
		report.Approved = true
		report.ReadyForMerge = true
	} else if report.Analyzer != nil {
		report.ReadyForMerge = report.Analyzer.Recommendation == "approve"
		report.Approved = report.ReadyForMerge
	}

	if err := saveReport(opts.ResponseDir, report); err != nil {
		return nil, err
	}
	return report, nil
}

func saveReport(responseDir string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errs.Wrap(errs.InvalidState, "encode validation report", err)
	}
	path := filepath.Join(responseDir, ".report.json")
	tmp, err := os.CreateTemp(responseDir, ".report-*.tmp")
	if err != nil {
		return errs.WithPath(errs.IOError, "create temp report", responseDir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.WithPath(errs.IOError, "write temp report", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.WithPath(errs.IOError, "close temp report", tmpName, err)
	}
	return os.Rename(tmpName, path)
}

// LoadReport reads a previously written validation report.
func LoadReport(responseDir string) (*Report, error) {
	path := filepath.Join(responseDir, ".report.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WithPath(errs.IOError, "read validation report", path, err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errs.WithPath(errs.InvalidState, "decode validation report", path, err)
	}
	return &r, nil
}
