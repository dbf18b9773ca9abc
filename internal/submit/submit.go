// Package submit packages a built payload and frame-sends it to the native
// host under the intent's uuid, recording the submission in intent state.
package submit

import (
	"time"

	"github.com/bloomworks/bloom/internal/model"
	"github.com/bloomworks/bloom/internal/payload"
	"github.com/bloomworks/bloom/internal/statestore"
	"github.com/bloomworks/bloom/internal/transport"
)

// Request is the framed message sent to the native host for a submit.
type Request struct {
	ID        string         `json:"id"`
	Command   string         `json:"command"`
	Payload   RequestPayload `json:"payload"`
	Timestamp int64          `json:"timestamp"`
}

// RequestPayload is the provider-facing body of a submit request.
type RequestPayload struct {
	Provider     string         `json:"provider"`
	Text         string         `json:"text"`
	ContextFiles []payload.File `json:"context_files"`
	Parameters   map[string]any `json:"parameters"`
	Profile      string         `json:"profile,omitempty"`
}

// Options configures one submit call.
type Options struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	Provider       string
	Text           string
	Parameters     map[string]any
	Profile        string
}

// Submit sends payload p to the native host under the intent's uuid as
// correlation id, and on success persists last_submitted_at/last_provider
// and marks the submit step true. Any framing error, timeout, or refused
// connection leaves state untouched.
func Submit(statePath string, intentUUID string, p *payload.Payload, opts Options) (*model.State, error) {
	req := Request{
		ID:      intentUUID,
		Command: opts.Provider + ".submit",
		Payload: RequestPayload{
			Provider:     opts.Provider,
			Text:         opts.Text,
			ContextFiles: p.Files,
			Parameters:   opts.Parameters,
			Profile:      opts.Profile,
		},
		Timestamp: time.Now().Unix(),
	}

	conn, err := transport.Dial(opts.Host, opts.Port, opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := transport.Send(conn, req); err != nil {
		return nil, err
	}

	return statestore.Update(statePath, func(s *model.State) error {
		s.LastSubmittedAt = time.Now().UTC().Format(time.RFC3339)
		s.LastProvider = opts.Provider
		if s.Steps == nil {
			s.Steps = map[string]bool{}
		}
		s.Steps["submit"] = true
		s.Status = model.StatusSubmitted
		return nil
	})
}
