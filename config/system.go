package config

import (
	"fmt"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/common/units"
	"github.com/twitter/offload/resources"
)

// Partition is one node class as configured. MaxMem and MaxTime are unit
// strings ("64GB", "2-00:00:00") or bare numbers (kB, seconds).
type Partition struct {
	Name      string      `json:"name"`
	NumCores  int         `json:"ncores"`
	MaxMem    interface{} `json:"max_mem"`
	MaxTime   interface{} `json:"max_time"`
	Partition string      `json:"partition"`
	Header    []string    `json:"header"`
	Tags      []string    `json:"tags"`
}

// System is one configured remote system.
type System struct {
	Name            string
	Host            string
	RemoteShell     string
	Scheduler       string
	Partitions      []Partition
	Header          []string
	NoDefaultHeader bool
	Commands        []string
	PreSubmitCmds   []string
	Rundir          string
	ScriptExec      string
	Runner          string
}

// Catalog converts the partitions into node classes, in declaration order.
func (s System) Catalog() (resources.Catalog, error) {
	cat := make(resources.Catalog, 0, len(s.Partitions))
	for _, p := range s.Partitions {
		mem, err := unitValue(p.MaxMem, units.MemToKB)
		if err != nil {
			return nil, oerrors.NewValidationError("system %s partition %s max_mem: %v", s.Name, p.Name, err)
		}
		t, err := unitValue(p.MaxTime, units.TimeToSec)
		if err != nil {
			return nil, oerrors.NewValidationError("system %s partition %s max_time: %v", s.Name, p.Name, err)
		}
		cat = append(cat, resources.NodeClass{
			Name:      p.Name,
			NumCores:  p.NumCores,
			MaxMem:    mem,
			MaxTime:   t,
			Partition: p.Partition,
			Header:    p.Header,
			Tags:      p.Tags,
		})
	}
	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("system %s: %w", s.Name, err)
	}
	return cat, nil
}

// unitValue accepts nil (unbounded), a number, or a unit string.
func unitValue(v interface{}, parse func(string) (int64, error)) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(x), nil
	case string:
		return parse(x)
	default:
		return parse(fmt.Sprint(x))
	}
}
