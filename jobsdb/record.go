package jobsdb

import (
	"regexp"
	"time"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/resources"
)

// Record is one submitted unit of work.
type Record struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	System       string               `json:"system"`
	RemoteID     string               `json:"remote_id,omitempty"`
	Hash         string               `json:"hash"`
	Status       Status               `json:"status"`
	Processed    bool                 `json:"processed,omitempty"`
	Resources    resources.Allocation `json:"resources"`
	StageDir     string               `json:"stage_dir"`
	RemoteRundir string               `json:"remote_rundir,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	CheckedAt    time.Time            `json:"checked_at,omitempty"`
}

// Field is an optional change applied by Update along with the status. It sees
// the record before the change and the status being moved to.
type Field func(rec *Record, next Status) error

// WithRemoteID sets the scheduler id. Once set it cannot be changed to another value.
func WithRemoteID(id string) Field {
	return func(rec *Record, _ Status) error {
		if rec.RemoteID != "" && rec.RemoteID != id {
			return oerrors.NewStateConflictError("job %s already has remote id %s, refusing %s", rec.ID, rec.RemoteID, id)
		}
		rec.RemoteID = id
		return nil
	}
}

func WithResources(a resources.Allocation) Field {
	return func(rec *Record, _ Status) error {
		rec.Resources = a
		return nil
	}
}

func WithRemoteRundir(dir string) Field {
	return func(rec *Record, _ Status) error {
		rec.RemoteRundir = dir
		return nil
	}
}

// Processed marks a done record as consumed by the caller.
func Processed() Field {
	return func(rec *Record, next Status) error {
		if next != Done {
			return oerrors.NewStateConflictError("job %s is %s, only done jobs can be marked processed", rec.ID, next)
		}
		rec.Processed = true
		return nil
	}
}

// Checked records the time of a status check.
func Checked(t time.Time) Field {
	return func(rec *Record, _ Status) error {
		rec.CheckedAt = t
		return nil
	}
}

// Filter selects records for Jobs. Empty fields match everything. IDs and Names
// are regexps anchored at both ends; a record matches if any of them matches.
type Filter struct {
	IDs       []string
	Names     []string
	System    string
	Hash      string
	Status    StatusMask
	Processed *bool
}

type compiledFilter struct {
	Filter
	ids   []*regexp.Regexp
	names []*regexp.Regexp
}

func (f Filter) compile() (compiledFilter, error) {
	cf := compiledFilter{Filter: f}
	var err error
	if cf.ids, err = compileAll(f.IDs); err != nil {
		return cf, err
	}
	cf.names, err = compileAll(f.Names)
	return cf, err
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, e := range exprs {
		re, err := regexp.Compile("^(?:" + e + ")$")
		if err != nil {
			return nil, oerrors.NewValidationError("bad pattern %q: %v", e, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	if len(res) == 0 {
		return true
	}
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// match applies the parts of the filter not already done by the query.
func (cf compiledFilter) match(rec Record) bool {
	return anyMatch(cf.ids, rec.ID) && anyMatch(cf.names, rec.Name)
}
