package jobsdb

import (
	"strings"

	oerrors "github.com/twitter/offload/common/errors"
)

// Status is where a job is in its life. Active statuses only move forward;
// terminal statuses never change.
type Status string

const (
	Created   Status = "created"
	Submitted Status = "submitted"
	Queued    Status = "queued"
	Running   Status = "running"

	Done      Status = "done"
	Failed    Status = "failed"
	Timeout   Status = "timeout"
	Died      Status = "died"
	Cancelled Status = "cancelled"
)

// AllStatuses in rank order.
var AllStatuses = []Status{Created, Submitted, Queued, Running, Done, Failed, Timeout, Died, Cancelled}

const terminalRank = 4

var ranks = map[Status]int{
	Created:   0,
	Submitted: 1,
	Queued:    2,
	Running:   3,
	Done:      terminalRank,
	Failed:    terminalRank,
	Timeout:   terminalRank,
	Died:      terminalRank,
	Cancelled: terminalRank,
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", oerrors.NewValidationError("unknown job status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := ranks[s]
	return ok
}

func (s Status) IsActive() bool {
	r, ok := ranks[s]
	return ok && r < terminalRank
}

func (s Status) IsTerminal() bool {
	return ranks[s] == terminalRank && s.Valid()
}

// CanTransitionTo reports whether an update from s to next is legal. Staying in
// the same status is always legal, so that fields can be updated on their own.
func (s Status) CanTransitionTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return ranks[next] > ranks[s]
}

func (s Status) String() string { return string(s) }

// StatusMask is a set of statuses, for queries.
type StatusMask uint16

func (s Status) mask() StatusMask {
	for i, st := range AllStatuses {
		if st == s {
			return 1 << uint(i)
		}
	}
	return 0
}

func MaskOf(statuses ...Status) StatusMask {
	var m StatusMask
	for _, s := range statuses {
		m |= s.mask()
	}
	return m
}

var (
	ActiveMask   = MaskOf(Created, Submitted, Queued, Running)
	TerminalMask = MaskOf(Done, Failed, Timeout, Died, Cancelled)
	AllMask      = ActiveMask | TerminalMask
)

func (m StatusMask) Has(s Status) bool { return m&s.mask() != 0 }

// Statuses lists the members of m in rank order.
func (m StatusMask) Statuses() []Status {
	var out []Status
	for _, s := range AllStatuses {
		if m.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// ParseMask parses a comma separated list of statuses. "active" and "terminal"
// stand for their groups.
func ParseMask(spec string) (StatusMask, error) {
	var m StatusMask
	for _, f := range strings.Split(spec, ",") {
		switch f = strings.TrimSpace(f); f {
		case "":
		case "active":
			m |= ActiveMask
		case "terminal":
			m |= TerminalMask
		default:
			s, err := ParseStatus(f)
			if err != nil {
				return 0, err
			}
			m |= s.mask()
		}
	}
	return m, nil
}
