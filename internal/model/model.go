// Package model defines the shared domain types for an intent: its kind,
// status, stages, and the on-disk state record.
package model

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Kind tags an intent as a development or documentation pipeline. It
// selects state-file name, subdirectory set, and stage vocabulary.
type Kind string

const (
	KindDev Kind = "dev"
	KindDoc Kind = "doc"
)

// Valid reports whether k is one of the two closed kinds.
func (k Kind) Valid() bool {
	return k == KindDev || k == KindDoc
}

// StateFileName returns the kind-specific state file name, e.g.
// ".dev_state.json".
func (k Kind) StateFileName() string {
	return "." + string(k) + "_state.json"
}

// Stages returns the ordered stage vocabulary for this kind.
func (k Kind) Stages() []string {
	if k == KindDoc {
		return []string{"create", "hydrate", "curate", "publish"}
	}
	return []string{"create", "hydrate", "plan", "build", "submit", "merge"}
}

// Status is the closed enum of intent lifecycle states.
type Status string

const (
	StatusCreated   Status = "created"
	StatusHydrated  Status = "hydrated"
	StatusPlanned   Status = "planned"
	StatusBuilt     Status = "built"
	StatusSubmitted Status = "submitted"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// LastMerge records the outcome of the most recent successful merge.
type LastMerge struct {
	Timestamp    time.Time `json:"timestamp"`
	Stage        string    `json:"stage"`
	FilesMerged  int       `json:"files_merged"`
	BackupDir    string    `json:"backup_dir"`
}

// State is the persisted record at <intent>/.{kind}_state.json.
type State struct {
	UUID      string          `json:"uuid"`
	Name      string          `json:"name"`
	Type      Kind            `json:"type"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	InitialFiles []string        `json:"initial_files"`
	Steps        map[string]bool `json:"steps"`

	Locked       bool           `json:"locked"`
	LockedBy     string         `json:"locked_by"`
	LockedAt     string         `json:"locked_at"`
	Operation    string         `json:"operation"`
	RecoveryData map[string]any `json:"recovery_data"`

	RecoveryPending      bool   `json:"recovery_pending,omitempty"`
	RecoveryInitiatedAt  string `json:"recovery_initiated_at,omitempty"`

	LastMerge *LastMerge `json:"last_merge,omitempty"`

	LastSubmittedAt string `json:"last_submitted_at,omitempty"`
	LastProvider    string `json:"last_provider,omitempty"`

	// Extended is the open-ended "extended" object of the state file,
	// read and written back unchanged so its fields travel through
	// unmodified.
	Extended map[string]json.RawMessage `json:"extended"`

	// unknown holds other top-level keys present in the JSON document
	// that are not among the typed fields above and not under
	// "extended" — preserved verbatim across read/write per invariant 5.
	unknown map[string]json.RawMessage
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases name, collapses runs of non-alphanumeric characters to
// a single hyphen, and trims leading/trailing hyphens.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// FolderName returns the ".{slug}-{uuid[:8]}" folder name for the given
// name and uuid.
func FolderName(name, uuid string) string {
	short := uuid
	if len(short) > 8 {
		short = short[:8]
	}
	return "." + Slugify(name) + "-" + short
}

// NewState builds the initial state-dict shape for a freshly created
// intent, matching the original implementation's create() output.
func NewState(kind Kind, uuid, name string, initialFiles []string, now time.Time) *State {
	steps := make(map[string]bool, len(kind.Stages()))
	for _, s := range kind.Stages() {
		steps[s] = false
	}

	files := make([]string, len(initialFiles))
	copy(files, initialFiles)

	return &State{
		UUID:         uuid,
		Name:         name,
		Type:         kind,
		Status:       StatusCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
		InitialFiles: files,
		Steps:        steps,
		RecoveryData: map[string]any{},
		Extended:     map[string]json.RawMessage{},
	}
}

// MarshalJSON flattens known fields together with any preserved unknown
// top-level keys.
func (s *State) MarshalJSON() ([]byte, error) {
	type knownFields struct {
		UUID                string                     `json:"uuid"`
		Name                string                     `json:"name"`
		Type                Kind                       `json:"type"`
		Status              Status                     `json:"status"`
		CreatedAt           time.Time                  `json:"created_at"`
		UpdatedAt           time.Time                  `json:"updated_at"`
		InitialFiles        []string                   `json:"initial_files"`
		Steps               map[string]bool            `json:"steps"`
		Locked              bool                       `json:"locked"`
		LockedBy            string                     `json:"locked_by"`
		LockedAt            string                     `json:"locked_at"`
		Operation           string                     `json:"operation"`
		RecoveryData        map[string]any             `json:"recovery_data"`
		RecoveryPending     bool                       `json:"recovery_pending,omitempty"`
		RecoveryInitiatedAt string                     `json:"recovery_initiated_at,omitempty"`
		LastMerge           *LastMerge                 `json:"last_merge,omitempty"`
		LastSubmittedAt     string                     `json:"last_submitted_at,omitempty"`
		LastProvider        string                     `json:"last_provider,omitempty"`
		Extended            map[string]json.RawMessage `json:"extended"`
	}

	kf := knownFields{
		UUID: s.UUID, Name: s.Name, Type: s.Type, Status: s.Status,
		CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
		InitialFiles: s.InitialFiles, Steps: s.Steps,
		Locked: s.Locked, LockedBy: s.LockedBy, LockedAt: s.LockedAt,
		Operation: s.Operation, RecoveryData: s.RecoveryData,
		RecoveryPending: s.RecoveryPending, RecoveryInitiatedAt: s.RecoveryInitiatedAt,
		LastMerge: s.LastMerge, LastSubmittedAt: s.LastSubmittedAt,
		LastProvider: s.LastProvider, Extended: s.Extended,
	}

	base, err := json.Marshal(kf)
	if err != nil {
		return nil, err
	}

	if len(s.unknown) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.unknown {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON populates known fields and stashes any remaining top-level
// key in unknown so it survives an unchanged round trip.
func (s *State) UnmarshalJSON(data []byte) error {
	type knownFields struct {
		UUID                string                     `json:"uuid"`
		Name                string                     `json:"name"`
		Type                Kind                       `json:"type"`
		Status              Status                     `json:"status"`
		CreatedAt           time.Time                  `json:"created_at"`
		UpdatedAt           time.Time                  `json:"updated_at"`
		InitialFiles        []string                   `json:"initial_files"`
		Steps               map[string]bool            `json:"steps"`
		Locked              bool                       `json:"locked"`
		LockedBy            string                     `json:"locked_by"`
		LockedAt            string                     `json:"locked_at"`
		Operation           string                     `json:"operation"`
		RecoveryData        map[string]any             `json:"recovery_data"`
		RecoveryPending     bool                       `json:"recovery_pending,omitempty"`
		RecoveryInitiatedAt string                     `json:"recovery_initiated_at,omitempty"`
		LastMerge           *LastMerge                 `json:"last_merge,omitempty"`
		LastSubmittedAt     string                     `json:"last_submitted_at,omitempty"`
		LastProvider        string                     `json:"last_provider,omitempty"`
		Extended            map[string]json.RawMessage `json:"extended"`
	}

	var kf knownFields
	if err := json.Unmarshal(data, &kf); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	known := []string{"uuid", "name", "type", "status", "created_at", "updated_at",
		"initial_files", "steps", "locked", "locked_by", "locked_at", "operation",
		"recovery_data", "recovery_pending", "recovery_initiated_at", "last_merge",
		"last_submitted_at", "last_provider", "extended"}
	knownSet := make(map[string]bool, len(known))
	for _, k := range known {
		knownSet[k] = true
	}

	unknown := make(map[string]json.RawMessage)
	for k, v := range all {
		if !knownSet[k] {
			unknown[k] = v
		}
	}

	*s = State{
		UUID: kf.UUID, Name: kf.Name, Type: kf.Type, Status: kf.Status,
		CreatedAt: kf.CreatedAt, UpdatedAt: kf.UpdatedAt,
		InitialFiles: kf.InitialFiles, Steps: kf.Steps,
		Locked: kf.Locked, LockedBy: kf.LockedBy, LockedAt: kf.LockedAt,
		Operation: kf.Operation, RecoveryData: kf.RecoveryData,
		RecoveryPending: kf.RecoveryPending, RecoveryInitiatedAt: kf.RecoveryInitiatedAt,
		LastMerge: kf.LastMerge, LastSubmittedAt: kf.LastSubmittedAt,
		LastProvider: kf.LastProvider, Extended: kf.Extended,
		unknown: unknown,
	}
	if s.RecoveryData == nil {
		s.RecoveryData = map[string]any{}
	}
	if s.Extended == nil {
		s.Extended = map[string]json.RawMessage{}
	}
	return nil
}
