// Package payload assembles a prioritized AI payload from a context plan
// and the compressed codebase/docbase blobs.
package payload

import (
	"github.com/bloomworks/bloom/internal/hydration"
)

// PlanEntry names one file a tier wants included, and why.
type PlanEntry struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Plan is the context plan input to the builder.
type Plan struct {
	Version      string                   `json:"version"`
	IntentType   string                   `json:"intent_type"`
	PriorityTiers map[string][]PlanEntry  `json:"priority_tiers"`
	Metadata     map[string]any           `json:"metadata"`
}

// tierOrder is the fixed precedence critical -> high -> medium.
var tierOrder = []string{"critical", "high", "medium"}

// File is one produced payload entry.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
	Metadata FileMetadata `json:"metadata"`
}

// FileMetadata carries per-file language/size info.
type FileMetadata struct {
	Language string `json:"language"`
	Size     int    `json:"size"`
}

// TierBreakdown summarizes one tier's contribution to the payload.
type TierBreakdown struct {
	Count  int `json:"count"`
	Tokens int `json:"tokens"`
}

// Metadata summarizes the whole built payload.
type Metadata struct {
	TotalFiles      int                      `json:"total_files"`
	EstimatedTokens int                      `json:"estimated_tokens"`
	TierBreakdown   map[string]TierBreakdown `json:"tier_breakdown"`
}

// Payload is the builder's output.
type Payload struct {
	Files    []File   `json:"files"`
	Metadata Metadata `json:"metadata"`
}

// Build assembles the payload. For each plan entry, in tier order
// critical -> high -> medium, it locates the path first in codebase, then
// in docbase; if found in neither, the entry is silently dropped (a lower
// tier of the same path may still succeed).
func Build(plan Plan, codebase *hydration.Blob, docbase *hydration.Blob) (*Payload, error) {
	out := &Payload{
		Metadata: Metadata{TierBreakdown: map[string]TierBreakdown{}},
	}

	for _, tier := range tierOrder {
		entries := plan.PriorityTiers[tier]
		breakdown := TierBreakdown{}

		for _, pe := range entries {
			entry, ok := codebase.Find(pe.Path)
			if !ok && docbase != nil {
				entry, ok = docbase.Find(pe.Path)
			}
			if !ok {
				continue
			}

			content, err := hydration.Decode(entry.Content)
			if err != nil {
				return nil, err
			}

			f := File{
				Path:     pe.Path,
				Content:  string(content),
				Priority: tier,
				Reason:   pe.Reason,
				Metadata: FileMetadata{Language: entry.Lang, Size: len(content)},
			}
			out.Files = append(out.Files, f)

			tokens := len(content) / 4
			breakdown.Count++
			breakdown.Tokens += tokens
			out.Metadata.TotalFiles++
			out.Metadata.EstimatedTokens += tokens
		}

		out.Metadata.TierBreakdown[tier] = breakdown
	}

	return out, nil
}
