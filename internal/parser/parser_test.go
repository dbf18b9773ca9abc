package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope(intentID string) string {
	return `{
		"bloom_protocol": {"version":"1.0","intent_id":"` + intentID + `","completion_status":"complete"},
		"metadata": {"ai_provider":"claude","conversation_id":"conv-1"},
		"content": {"type":"file_delivery","files":[{"file_ref":"a.txt","path":"src/a.txt"}]},
		"questions": {"has_questions":false,"count":0,"auto_answerable":false}
	}`
}

func TestParse_ValidEnvelope(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".files"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".files", "a.txt"), []byte("hi"), 0644))

	report, err := Parse([]byte(validEnvelope("intent-1")), Options{ExpectedIntentUUID: "intent-1", ResponseDir: dir})
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Errors)
	assert.Equal(t, "complete", report.CompletionStatus)
	assert.Equal(t, "", report.RecommendedAction)
	assert.Equal(t, 1, report.FileReferenceCount.Present)
	assert.Equal(t, 0, report.FileReferenceCount.Missing)
}

func TestParse_MissingSectionIsError(t *testing.T) {
	_, err := Parse([]byte(`{"metadata":{"ai_provider":"c","conversation_id":"x"},"content":{"type":"t"}}`), Options{})
	require.Error(t, err)
}

func TestParse_CompletionStatusRecommendedActions(t *testing.T) {
	cases := map[string]string{
		"token_limit":       "rotate_ai_provider",
		"partial":           "recovery_or_retry",
		"continuity_prompt": "submit_continuity_to_new_provider",
		"error":             "review_error_and_retry",
	}
	for status, wantAction := range cases {
		raw := `{
			"bloom_protocol": {"version":"1.0","intent_id":"i","completion_status":"` + status + `"},
			"metadata": {"ai_provider":"c","conversation_id":"x"},
			"content": {"type":"t","files":[]}
		}`
		report, err := Parse([]byte(raw), Options{})
		require.NoError(t, err)
		assert.Equal(t, wantAction, report.RecommendedAction, status)
	}
}

func TestParse_UnrecognizedCompletionStatusIsWarningNonStrict(t *testing.T) {
	raw := `{
		"bloom_protocol": {"version":"1.0","intent_id":"i","completion_status":"mystery"},
		"metadata": {"ai_provider":"c","conversation_id":"x"},
		"content": {"type":"t","files":[]}
	}`
	report, err := Parse([]byte(raw), Options{Strict: false})
	require.NoError(t, err)
	assert.True(t, report.Valid)
	require.Len(t, report.Warnings, 1)
}

func TestParse_StrictModePromotesWarningToError(t *testing.T) {
	raw := `{
		"bloom_protocol": {"version":"1.0","intent_id":"i","completion_status":"mystery"},
		"metadata": {"ai_provider":"c","conversation_id":"x"},
		"content": {"type":"t","files":[]}
	}`
	_, err := Parse([]byte(raw), Options{Strict: true})
	require.Error(t, err)
}

func TestParse_MissingFileReferenceIsWarningNotError(t *testing.T) {
	dir := t.TempDir()
	raw := `{
		"bloom_protocol": {"version":"1.0","intent_id":"i","completion_status":"complete"},
		"metadata": {"ai_provider":"c","conversation_id":"x"},
		"content": {"type":"t","files":[{"file_ref":"missing.txt","path":"p"}]}
	}`
	report, err := Parse([]byte(raw), Options{ResponseDir: dir})
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.FileReferenceCount.Missing)
}

func TestParse_IntentIDMismatchIsWarningNotError(t *testing.T) {
	report, err := Parse([]byte(validEnvelope("other-id")), Options{ExpectedIntentUUID: "intent-1"})
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.NotEmpty(t, report.Warnings)
}

func TestChecksum_RoundTrip(t *testing.T) {
	raw := []byte(`{"a":1,"b":{"z":1,"a":2},"validation":{"checksum":"placeholder"}}`)
	sum, err := Checksum(raw)
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	sum2, err := Checksum(raw)
	require.NoError(t, err)
	assert.Equal(t, sum, sum2, "checksum must be deterministic")

	withChecksum := []byte(`{"b":{"a":2,"z":1},"a":1,"validation":{"checksum":"` + sum + `"}}`)
	sum3, err := Checksum(withChecksum)
	require.NoError(t, err)
	assert.Equal(t, sum, sum3, "recomputing over a document carrying its own checksum yields that checksum")
}

func TestParse_QuestionsRequiresUserInput(t *testing.T) {
	raw := `{
		"bloom_protocol": {"version":"1.0","intent_id":"i","completion_status":"complete"},
		"metadata": {"ai_provider":"c","conversation_id":"x"},
		"content": {"type":"t","files":[]},
		"questions": {"has_questions":true,"count":2,"auto_answerable":false}
	}`
	report, err := Parse([]byte(raw), Options{})
	require.NoError(t, err)
	assert.True(t, report.Questions.RequiresUserInput)

	raw2 := `{
		"bloom_protocol": {"version":"1.0","intent_id":"i","completion_status":"complete"},
		"metadata": {"ai_provider":"c","conversation_id":"x"},
		"content": {"type":"t","files":[]},
		"questions": {"has_questions":true,"count":2,"auto_answerable":true}
	}`
	report2, err := Parse([]byte(raw2), Options{})
	require.NoError(t, err)
	assert.False(t, report2.Questions.RequiresUserInput)
}
