package contract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/j2pr/internal/domain"
)

func TestExtractHappyPath(t *testing.T) {
	output := `Working on the task...
Done with changes.
J2PR_RESULT: {"decision":"proceed","summary":"Added null check in parser","changes":["src/parser.js"],"tests":{"command":"npm test","result":"pass","notes":""},"risk":"low","branch":"j2pr/PROJ-1-fix","commit_message":"Fix parser crash on empty input"}
`
	c, err := Extract(output)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionProceed, c.Decision)
	assert.Equal(t, "Added null check in parser", c.Summary)
	assert.Equal(t, []string{"src/parser.js"}, c.Changes)
	assert.True(t, c.Tests.Passed())
	assert.Equal(t, domain.RiskLow, c.Risk)
}

func TestExtractLastFooterWins(t *testing.T) {
	output := `J2PR_RESULT: {"decision":"needs_human","summary":"first attempt","risk":"high","blocking_reason":"unsure"}
Reconsidered after running the tests.
J2PR_RESULT: {"decision":"proceed","summary":"second attempt","risk":"low"}
`
	c, err := Extract(output)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionProceed, c.Decision)
	assert.Equal(t, "second attempt", c.Summary)
}

func TestExtractMissingFooter(t *testing.T) {
	_, err := Extract("no structured result here\njust prose\n")
	assert.ErrorIs(t, err, ErrMissingFooter)
}

func TestExtractMalformedJSON(t *testing.T) {
	_, err := Extract(`J2PR_RESULT: {"decision":"proceed",`)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "payload", pe.Field)
}

func TestExtractUnknownDecision(t *testing.T) {
	_, err := Extract(`J2PR_RESULT: {"decision":"maybe","summary":"x","risk":"low"}`)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "decision", pe.Field)
}

func TestExtractUnknownRisk(t *testing.T) {
	_, err := Extract(`J2PR_RESULT: {"decision":"proceed","summary":"x","risk":"catastrophic"}`)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "risk", pe.Field)
}

func TestExtractMissingSummary(t *testing.T) {
	_, err := Extract(`J2PR_RESULT: {"decision":"proceed","risk":"low"}`)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "summary", pe.Field)
}

func TestExtractBlockingReasonRequired(t *testing.T) {
	_, err := Extract(`J2PR_RESULT: {"decision":"needs_human","summary":"ambiguous requirement","risk":"medium"}`)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "blocking_reason", pe.Field)

	c, err := Extract(`J2PR_RESULT: {"decision":"needs_human","summary":"ambiguous requirement","risk":"medium","blocking_reason":"ticket does not say which endpoint"}`)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionNeedsHuman, c.Decision)
}

func TestExtractIgnoresUnknownFields(t *testing.T) {
	c, err := Extract(`J2PR_RESULT: {"decision":"proceed","summary":"ok","risk":"low","confidence":0.95,"extra":{"a":1}}`)
	require.NoError(t, err)
	assert.Equal(t, "ok", c.Summary)
}

func TestExtractIndentedFooter(t *testing.T) {
	c, err := Extract("  J2PR_RESULT: {\"decision\":\"failed\",\"summary\":\"tests never ran\",\"risk\":\"low\",\"blocking_reason\":\"npm install fails\"}\n")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionFailed, c.Decision)
}
