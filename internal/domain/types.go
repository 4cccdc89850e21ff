package domain

// TicketStatus represents the lifecycle state of a ticket
type TicketStatus string

const (
	TicketDiscovered TicketStatus = "DISCOVERED"
	TicketQueued     TicketStatus = "QUEUED"
	TicketRunning    TicketStatus = "RUNNING"
	TicketPROpened   TicketStatus = "PR_OPENED"
	TicketDone       TicketStatus = "DONE"
	TicketFailed     TicketStatus = "FAILED"
	TicketNeedsHuman TicketStatus = "NEEDS_HUMAN"
)

// InFlight reports whether a ticket status means a run may still be active
func (s TicketStatus) InFlight() bool {
	return s == TicketRunning || s == TicketQueued
}

// Terminal reports whether a ticket status is a finished outcome
func (s TicketStatus) Terminal() bool {
	switch s {
	case TicketPROpened, TicketDone, TicketFailed, TicketNeedsHuman:
		return true
	}
	return false
}

// RunStatus represents the execution state of a run
type RunStatus string

const (
	RunRunning    RunStatus = "RUNNING"
	RunPROpened   RunStatus = "PR_OPENED"
	RunDone       RunStatus = "DONE"
	RunFailed     RunStatus = "FAILED"
	RunNeedsHuman RunStatus = "NEEDS_HUMAN"
)

// Decision is the closed set of outcomes an agent may report
type Decision string

const (
	DecisionProceed    Decision = "proceed"
	DecisionNeedsHuman Decision = "needs_human"
	DecisionFailed     Decision = "failed"
)

// Valid reports whether the decision is one of the known kinds
func (d Decision) Valid() bool {
	switch d {
	case DecisionProceed, DecisionNeedsHuman, DecisionFailed:
		return true
	}
	return false
}

// Risk is the closed ordinal set of risk levels an agent may report
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Valid reports whether the risk level is one of the known levels
func (r Risk) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}
