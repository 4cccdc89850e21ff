package domain

import (
	"strings"
	"time"
)

// Ticket is the persisted state of one work item. A ticket row is created on
// first scan or run and never deleted; the history backs idempotency checks.
type Ticket struct {
	Key       string
	Status    TicketStatus
	Repo      string
	Branch    string
	PRURL     string
	LastRunID string
	UpdatedAt time.Time
	LastError string
}

// PriorOutcome is an already-achieved result for a ticket, returned so a
// repeated invocation can short-circuit without side effects.
type PriorOutcome struct {
	Status TicketStatus
	PRURL  string
	Branch string
	RunID  string
}

// Slug lowercases text and collapses everything non-alphanumeric to dashes
func Slug(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// BranchName derives the deterministic branch for a ticket from its key and
// a slug of its title, truncated so branch names stay manageable.
func BranchName(key, title string) string {
	slug := Slug(title)
	if len(slug) > 50 {
		slug = slug[:50]
	}
	name := "j2pr/" + key
	if slug != "" {
		name += "-" + slug
	}
	return strings.TrimRight(name, "-")
}
