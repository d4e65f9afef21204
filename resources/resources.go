// Package resources resolves an abstract resource request against the node
// classes configured for a remote system.
package resources

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/common/units"
)

// Request is what a job asks for. MaxTime is required. Cores are given as
// NumCores, as NumNodes (optionally with NumCoresPerNode), or both, in which case
// they must agree. At most one of MaxMemTotal and MaxMemPerCore may be set.
// Partitions are regexps, anchored at both ends, over node class names.
type Request struct {
	MaxTime         string   `json:"max_time"`
	NumNodes        int      `json:"num_nodes,omitempty"`
	NumCores        int      `json:"num_cores,omitempty"`
	NumCoresPerNode int      `json:"num_cores_per_node,omitempty"`
	MaxMemTotal     string   `json:"max_mem_tot,omitempty"`
	MaxMemPerCore   string   `json:"max_mem_per_core,omitempty"`
	Partitions      []string `json:"partitions,omitempty"`
}

func (r Request) String() string {
	var parts []string
	parts = append(parts, "time="+r.MaxTime)
	if r.NumNodes > 0 {
		parts = append(parts, "nodes="+strconv.Itoa(r.NumNodes))
	}
	if r.NumCores > 0 {
		parts = append(parts, "cores="+strconv.Itoa(r.NumCores))
	}
	if r.NumCoresPerNode > 0 {
		parts = append(parts, "cores_per_node="+strconv.Itoa(r.NumCoresPerNode))
	}
	if r.MaxMemTotal != "" {
		parts = append(parts, "mem="+r.MaxMemTotal)
	}
	if r.MaxMemPerCore != "" {
		parts = append(parts, "mem_per_core="+r.MaxMemPerCore)
	}
	if len(r.Partitions) > 0 {
		parts = append(parts, "partitions="+strings.Join(r.Partitions, ","))
	}
	return strings.Join(parts, " ")
}

// NodeClass is one kind of node on a system. MaxMem (kB per node) and MaxTime
// (seconds) of zero mean unknown / unbounded.
type NodeClass struct {
	Name      string   `json:"name"`
	NumCores  int      `json:"ncores"`
	MaxMem    int64    `json:"max_mem"`
	MaxTime   int64    `json:"max_time"`
	Partition string   `json:"partition,omitempty"`
	Header    []string `json:"header,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// PartitionName is the name handed to the scheduler, which may differ from the
// class name used for matching.
func (n NodeClass) PartitionName() string {
	if n.Partition != "" {
		return n.Partition
	}
	return n.Name
}

// Catalog is the ordered set of node classes of one system. Order decides exact ties.
type Catalog []NodeClass

func (c Catalog) Validate() error {
	seen := map[string]bool{}
	for i, n := range c {
		if n.Name == "" {
			return oerrors.NewValidationError("node class %d has no name", i)
		}
		if seen[n.Name] {
			return oerrors.NewValidationError("node class %s declared twice", n.Name)
		}
		seen[n.Name] = true
		if n.NumCores <= 0 {
			return oerrors.NewValidationError("node class %s: ncores must be positive, got %d", n.Name, n.NumCores)
		}
		if n.MaxMem < 0 || n.MaxTime < 0 {
			return oerrors.NewValidationError("node class %s: negative max_mem or max_time", n.Name)
		}
	}
	return nil
}

// Allocation is the concrete resolution of a Request. MaxMemPerNode is zero when
// the request named no memory bound.
type Allocation struct {
	Class           string   `json:"class"`
	Partition       string   `json:"partition"`
	NumNodes        int      `json:"num_nodes"`
	NumCores        int      `json:"num_cores"`
	NumCoresPerNode int      `json:"num_cores_per_node"`
	Partial         bool     `json:"partial,omitempty"`
	MaxTime         int64    `json:"max_time"`
	MaxMemPerNode   int64    `json:"max_mem_per_node,omitempty"`
	Header          []string `json:"header,omitempty"`
}

func (a Allocation) String() string {
	s := fmt.Sprintf("%s: %d node(s) x %d core(s) = %d, time %s", a.Class, a.NumNodes, a.NumCoresPerNode,
		a.NumCores, units.SecToHMS(a.MaxTime))
	if a.MaxMemPerNode > 0 {
		s += ", mem/node " + units.KBToSpec(a.MaxMemPerNode)
	}
	if a.Partial {
		s += " (partial node)"
	}
	return s
}

// normalized is a Request in canonical units with the core forms reconciled.
type normalized struct {
	maxTime      int64
	nodes        int
	cores        int
	coresPerNode int
	memKB        int64
	memPerCore   bool
	partitions   []*regexp.Regexp
}

func (r Request) normalize() (normalized, error) {
	var n normalized
	if r.MaxTime == "" {
		return n, oerrors.NewValidationError("max_time is required")
	}
	t, err := units.TimeToSec(r.MaxTime)
	if err != nil {
		return n, oerrors.NewValidationError("%v", err)
	}
	if t <= 0 {
		return n, oerrors.NewValidationError("max_time must be positive, got %q", r.MaxTime)
	}
	n.maxTime = t

	if r.NumNodes < 0 || r.NumCores < 0 || r.NumCoresPerNode < 0 {
		return n, oerrors.NewValidationError("negative node or core count in %s", r)
	}
	n.nodes, n.cores, n.coresPerNode = r.NumNodes, r.NumCores, r.NumCoresPerNode
	switch {
	case n.nodes == 0 && n.cores == 0:
		return n, oerrors.NewValidationError("one of num_nodes and num_cores is required")
	case n.nodes == 0 && n.coresPerNode > 0:
		return n, oerrors.NewValidationError("num_cores_per_node needs num_nodes")
	case n.nodes > 0 && n.cores > 0 && n.coresPerNode > 0:
		if n.cores != n.nodes*n.coresPerNode {
			return n, oerrors.NewValidationError("num_cores %d != num_nodes %d x num_cores_per_node %d",
				n.cores, n.nodes, n.coresPerNode)
		}
	case n.nodes > 0 && n.cores > 0:
		if n.cores%n.nodes != 0 {
			return n, oerrors.NewValidationError("num_cores %d is not a multiple of num_nodes %d", n.cores, n.nodes)
		}
		n.coresPerNode = n.cores / n.nodes
	case n.nodes > 0 && n.coresPerNode > 0:
		n.cores = n.nodes * n.coresPerNode
	}

	if r.MaxMemTotal != "" && r.MaxMemPerCore != "" {
		return n, oerrors.NewValidationError("at most one of max_mem_tot and max_mem_per_core may be given")
	}
	if spec := r.MaxMemTotal + r.MaxMemPerCore; spec != "" {
		kb, err := units.MemToKB(spec)
		if err != nil {
			return n, oerrors.NewValidationError("%v", err)
		}
		n.memKB, n.memPerCore = kb, r.MaxMemPerCore != ""
	}

	for _, p := range r.Partitions {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return n, oerrors.NewValidationError("bad partition regexp %q: %v", p, err)
		}
		n.partitions = append(n.partitions, re)
	}
	return n, nil
}
