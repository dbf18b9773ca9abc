// Package parser validates a response envelope against Bloom protocol
// v1.0: mandatory sections, completion status, file references, and the
// wire checksum.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/bloomworks/bloom/internal/errs"
)

const protocolVersion = "1.0"

var validCompletionStatus = map[string]bool{
	"complete":          true,
	"partial":           true,
	"token_limit":       true,
	"continuity_prompt": true,
	"error":             true,
}

var recommendedAction = map[string]string{
	"complete":          "",
	"token_limit":       "rotate_ai_provider",
	"partial":           "recovery_or_retry",
	"continuity_prompt": "submit_continuity_to_new_provider",
	"error":             "review_error_and_retry",
}

// Report is the ".parse_report.json" document.
type Report struct {
	Valid              bool                `json:"valid"`
	Errors             []string            `json:"errors"`
	Warnings           []string            `json:"warnings"`
	CompletionStatus   string              `json:"completion_status"`
	RecommendedAction  string              `json:"recommended_action,omitempty"`
	FileReferenceCount FileReferenceCounts `json:"file_reference_count"`
	Questions          QuestionsAnalysis   `json:"questions"`
}

// FileReferenceCounts summarizes content.files resolution against .files/.
type FileReferenceCounts struct {
	Total   int `json:"total"`
	Present int `json:"present"`
	Missing int `json:"missing"`
}

// QuestionsAnalysis mirrors the envelope's questions section plus derived
// fields.
type QuestionsAnalysis struct {
	HasQuestions     bool `json:"has_questions"`
	Count            int  `json:"count"`
	AutoAnswerable   bool `json:"auto_answerable"`
	RequiresUserInput bool `json:"requires_user_input"`
}

type envelope struct {
	BloomProtocol struct {
		Version          string `json:"version"`
		IntentID         string `json:"intent_id"`
		CompletionStatus string `json:"completion_status"`
	} `json:"bloom_protocol"`
	Metadata struct {
		AIProvider     string `json:"ai_provider"`
		ConversationID string `json:"conversation_id"`
	} `json:"metadata"`
	Content struct {
		Type  string `json:"type"`
		Files []struct {
			FileRef string `json:"file_ref"`
			Path    string `json:"path"`
		} `json:"files"`
	} `json:"content"`
	Questions struct {
		HasQuestions   bool `json:"has_questions"`
		Count          int  `json:"count"`
		AutoAnswerable bool `json:"auto_answerable"`
	} `json:"questions"`
	Validation struct {
		Checksum string `json:"checksum"`
	} `json:"validation"`
}

// Options controls parsing behavior.
type Options struct {
	ExpectedIntentUUID string
	Strict             bool
	ResponseDir        string // directory containing .files/, for the reference check
}

// Parse validates raw against the Bloom v1.0 protocol and produces a
// Report. In strict mode, every warning is recorded as an error instead.
// Parsing does not stop at the first error: every check runs, the report
// lists all errors found, and when there is at least one Parse returns the
// report together with an InvalidProtocol error carrying the first.
func Parse(raw []byte, opts Options) (*Report, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Wrap(errs.InvalidProtocol, "decode envelope", err)
	}

	var errorsList []string
	var warnings []string

	fail := func(msg string) {
		errorsList = append(errorsList, msg)
	}
	warn := func(msg string) {
		if opts.Strict {
			errorsList = append(errorsList, msg)
		} else {
			warnings = append(warnings, msg)
		}
	}

	// Mandatory top-level sections.
	var raw2 map[string]json.RawMessage
	_ = json.Unmarshal(raw, &raw2)
	for _, section := range []string{"bloom_protocol", "metadata", "content"} {
		if _, ok := raw2[section]; !ok {
			fail("missing required section: " + section)
		}
	}

	if env.BloomProtocol.Version != protocolVersion {
		fail("unsupported bloom_protocol.version: " + env.BloomProtocol.Version)
	}
	if env.BloomProtocol.IntentID == "" {
		fail("missing bloom_protocol.intent_id")
	}
	if env.BloomProtocol.CompletionStatus == "" {
		fail("missing bloom_protocol.completion_status")
	}
	if env.Metadata.AIProvider == "" {
		fail("missing metadata.ai_provider")
	}
	if env.Metadata.ConversationID == "" {
		fail("missing metadata.conversation_id")
	}
	if env.Content.Type == "" {
		fail("missing content.type")
	}

	// completion_status enum + recommended action.
	status := env.BloomProtocol.CompletionStatus
	action := ""
	if status != "" && !validCompletionStatus[status] {
		warn("unrecognized completion_status: " + status)
	} else if status != "" {
		action = recommendedAction[status]
	}

	// intent-id cross-check.
	if opts.ExpectedIntentUUID != "" && env.BloomProtocol.IntentID != "" &&
		env.BloomProtocol.IntentID != opts.ExpectedIntentUUID {
		warn("bloom_protocol.intent_id does not match expected intent uuid")
	}

	// File-reference check.
	counts := FileReferenceCounts{Total: len(env.Content.Files)}
	for _, f := range env.Content.Files {
		if f.FileRef == "" {
			counts.Missing++
			continue
		}
		path := filepath.Join(opts.ResponseDir, ".files", f.FileRef)
		if _, err := os.Stat(path); err != nil {
			counts.Missing++
			warn("missing file reference: " + f.FileRef)
			continue
		}
		counts.Present++
	}

	// Checksum.
	if env.Validation.Checksum != "" {
		computed, err := Checksum(raw)
		if err != nil {
			warn("failed to compute checksum: " + err.Error())
		} else if computed != env.Validation.Checksum {
			warn("checksum mismatch")
		}
	}

	// Questions analysis.
	qa := QuestionsAnalysis{
		HasQuestions:   env.Questions.HasQuestions,
		Count:          env.Questions.Count,
		AutoAnswerable: env.Questions.AutoAnswerable,
	}
	qa.RequiresUserInput = qa.HasQuestions && !qa.AutoAnswerable

	report := &Report{
		Valid:              len(errorsList) == 0,
		Errors:             errorsList,
		Warnings:           warnings,
		CompletionStatus:   status,
		RecommendedAction:  action,
		FileReferenceCount: counts,
		Questions:          qa,
	}

	if len(errorsList) > 0 {
		return report, errs.New(errs.InvalidProtocol, errorsList[0])
	}
	return report, nil
}

// SaveReport atomically writes report as ".parse_report.json" under dir.
func SaveReport(dir string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errs.Wrap(errs.InvalidState, "encode parse report", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.WithPath(errs.IOError, "create response directory", dir, err)
	}
	path := filepath.Join(dir, ".parse_report.json")
	tmp, err := os.CreateTemp(dir, ".parse_report-*.tmp")
	if err != nil {
		return errs.WithPath(errs.IOError, "create temp parse report", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.WithPath(errs.IOError, "write temp parse report", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.WithPath(errs.IOError, "close temp parse report", tmpName, err)
	}
	return os.Rename(tmpName, path)
}

// Checksum recomputes SHA-256 over the canonical JSON serialization of the
// envelope with "validation" removed and keys sorted.
func Checksum(raw []byte) (string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", errs.Wrap(errs.InvalidProtocol, "decode for checksum", err)
	}
	delete(doc, "validation")

	canonical, err := canonicalize(doc)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize serializes v with object keys sorted at every level and no
// insignificant whitespace.
func canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]json.RawMessage:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			var inner any
			if err := json.Unmarshal(t[k], &inner); err != nil {
				return nil, err
			}
			n, err := normalize(inner)
			if err != nil {
				return nil, err
			}
			out = append(out, kv{k, n})
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			n, err := normalize(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kv{k, n})
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

type kv struct {
	K string
	V any
}

// orderedMap marshals as a JSON object preserving insertion order (already
// sorted by normalize), since encoding/json sorts map[string]any keys
// itself but we need explicit control to avoid double work and keep this
// self-contained.
type orderedMap []kv

func (o orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(e.K)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(e.V)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}
