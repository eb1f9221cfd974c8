// Package jorb holds the durable task model and its store. A jorb is a
// long-lived autonomous unit of work that converses with humans over
// messaging channels and moves through a fixed lifecycle.
package jorb

import (
	"errors"
	"strings"
	"unicode"
)

var (
	ErrNotFound          = errors.New("jorb: not found")
	ErrInvalidTransition = errors.New("jorb: invalid status transition")
)

type Status string

const (
	StatusPlanning  Status = "planning"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsOpen() bool {
	return s == StatusPlanning || s == StatusRunning || s == StatusPaused
}

func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

var allowedTransitions = map[Status][]Status{
	StatusPlanning: {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusPaused, StatusComplete, StatusFailed, StatusCancelled},
	StatusPaused:   {StatusRunning, StatusComplete, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a status change is legal. A terminal status
// permits nothing, including writes of the same status.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Contact struct {
	Identifier string `json:"identifier"`
	Channel    string `json:"channel"`
	Name       string `json:"name,omitempty"`
}

type Outcome struct {
	Result        string `json:"result,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CompletedAt   int64  `json:"completed_at,omitempty"`
}

type Metrics struct {
	MessagesIn    int64
	MessagesOut   int64
	TokensUsed    int64
	EstimatedCost float64
	ContextResets int64
}

type Jorb struct {
	ID               string
	Name             string
	Status           Status
	OriginalPlan     string
	Personality      string
	ProgressSummary  string
	PausedReason     string
	NeedsApprovalFor string
	Awaiting         string // empty when not waiting on an external async op
	WakeAt           int64  // unix seconds; 0 when unset
	Contacts         []Contact
	Metadata         map[string]string
	Outcome          *Outcome
	Metrics          Metrics
	CreatedAt        int64
	UpdatedAt        int64
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type Message struct {
	ID         string
	JorbID     string
	Timestamp  int64
	Direction  string
	Channel    string
	Sender     string
	SenderName string
	Recipient  string
	Content    string
	Reasoning  string
}

type Checkpoint struct {
	ID         string
	JorbID     string
	Timestamp  int64
	Summary    string
	TokenCount int
}

// Patch is an explicit partial update for a jorb row. Nil fields are left
// untouched. A non-empty Awaiting must arrive with a WakeAt in the same
// patch; WakeAt alone may move, which is how the worker loop claims a due
// jorb and re-arms its poll timer.
type Patch struct {
	Name             *string
	Status           *Status
	ProgressSummary  *string
	PausedReason     *string
	NeedsApprovalFor *string
	Awaiting         *string
	WakeAt           *int64
	Metadata         map[string]string
	Outcome          *Outcome
}

// SetAwaiting arms the patch with an external-operation marker and the time
// the worker loop should next look at this jorb.
func (p *Patch) SetAwaiting(marker string, wakeAt int64) {
	p.Awaiting = &marker
	p.WakeAt = &wakeAt
}

// ClearAwaiting clears both the marker and the wake time.
func (p *Patch) ClearAwaiting() {
	empty := ""
	var zero int64
	p.Awaiting = &empty
	p.WakeAt = &zero
}

type StatusFilter string

const (
	FilterOpen   StatusFilter = "open"
	FilterClosed StatusFilter = "closed"
	FilterAll    StatusFilter = "all"
)

// NormalizeIdentifier canonicalizes a sender identifier so the same human
// matches across formatting variants. Phone-like values keep their last ten
// digits, handles drop the leading @, everything is lowercased.
func NormalizeIdentifier(identifier string) string {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return ""
	}

	digits := make([]rune, 0, len(trimmed))
	for _, r := range trimmed {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) >= 10 {
		return string(digits[len(digits)-10:])
	}

	if strings.HasPrefix(trimmed, "@") {
		return strings.ToLower(trimmed[1:])
	}
	return strings.ToLower(trimmed)
}
