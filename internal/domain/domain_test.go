package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	assert.Equal(t, "add-oauth-login", Slug("Add OAuth login!"))
	assert.Equal(t, "fix--2fa", Slug("  Fix: 2FA  "))
	assert.Equal(t, "", Slug("???"))
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "j2pr/PROJ-12-add-oauth-login", BranchName("PROJ-12", "Add OAuth login"))
	assert.Equal(t, "j2pr/PROJ-12", BranchName("PROJ-12", ""))
}

func TestBranchName_TruncatesLongTitles(t *testing.T) {
	title := strings.Repeat("very long title ", 10)
	name := BranchName("PROJ-1", title)
	assert.LessOrEqual(t, len(name), len("j2pr/PROJ-1-")+50)
	assert.False(t, strings.HasSuffix(name, "-"))
}

func TestTicketStatus_Terminal(t *testing.T) {
	assert.True(t, TicketPROpened.Terminal())
	assert.True(t, TicketNeedsHuman.Terminal())
	assert.False(t, TicketRunning.Terminal())
	assert.False(t, TicketDiscovered.Terminal())
}

func TestDecisionAndRisk_Valid(t *testing.T) {
	assert.True(t, DecisionProceed.Valid())
	assert.False(t, Decision("maybe").Valid())
	assert.True(t, RiskHigh.Valid())
	assert.False(t, Risk("extreme").Valid())
}
