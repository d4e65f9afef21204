package resources

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	oerrors "github.com/twitter/offload/common/errors"
)

// MatchOptions tune FindNodes. ExactFit requires a core count request to fill
// whole nodes of a class exactly. PartialNode lets a request smaller than one node
// reserve only the cores it asked for, and overrides ExactFit.
type MatchOptions struct {
	ExactFit    bool
	PartialNode bool
}

func DefaultMatchOptions() MatchOptions {
	return MatchOptions{ExactFit: true}
}

// filter stages, in the order they are checked
const (
	stagePartition = iota
	stageTime
	stageCores
	stageMemory
	stagePassed
)

var stageDimension = map[int]string{
	stagePartition: oerrors.DimensionPartition,
	stageTime:      oerrors.DimensionTime,
	stageCores:     oerrors.DimensionCores,
	stageMemory:    oerrors.DimensionMemory,
}

type candidate struct {
	idx         int
	class       NodeClass
	nodes       int
	reserved    int
	perNode     int
	partial     bool
	excessCores int
	excessMem   int64
}

// FindNodes picks the node class that fits req with the least waste: fewest
// excess cores, then least memory overshoot, then earliest declared.
//
// A malformed request fails with a ValidationError. When no class fits, the
// ResourceError names the dimension that stopped the class which got furthest
// through the partition, time, cores, memory checks.
func FindNodes(req Request, catalog Catalog, opts MatchOptions) (Allocation, error) {
	n, err := req.normalize()
	if err != nil {
		return Allocation{}, err
	}
	if len(catalog) == 0 {
		return Allocation{}, oerrors.NewValidationError("no node classes configured")
	}
	if opts.PartialNode {
		opts.ExactFit = false
		if n.nodes > 1 {
			return Allocation{}, oerrors.NewValidationError("partial node allocation needs a request that fits in one node, got %d nodes", n.nodes)
		}
	}

	var survivors []candidate
	furthest := stagePartition
	var reasons []string
	for i, class := range catalog {
		c, stage, why := evaluate(n, class, opts)
		if stage == stagePassed {
			c.idx = i
			survivors = append(survivors, c)
			continue
		}
		if stage > furthest {
			furthest = stage
		}
		reasons = append(reasons, class.Name+": "+why)
	}

	if len(survivors) == 0 {
		if opts.PartialNode && furthest == stageCores && n.cores > maxCores(catalog) {
			return Allocation{}, oerrors.NewValidationError("partial node allocation needs a request that fits in one node, %d cores exceeds every class", n.cores)
		}
		return Allocation{}, oerrors.NewResourceError(stageDimension[furthest], "%s (%s)", req, strings.Join(reasons, "; "))
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if a.excessCores != b.excessCores {
			return a.excessCores < b.excessCores
		}
		if a.excessMem != b.excessMem {
			return a.excessMem < b.excessMem
		}
		return a.idx < b.idx
	})
	best := survivors[0]

	alloc := Allocation{
		Class:           best.class.Name,
		Partition:       best.class.PartitionName(),
		NumNodes:        best.nodes,
		NumCores:        best.reserved,
		NumCoresPerNode: best.perNode,
		Partial:         best.partial,
		MaxTime:         n.maxTime,
		Header:          append([]string(nil), best.class.Header...),
	}
	if n.memKB > 0 {
		if n.memPerCore {
			alloc.MaxMemPerNode = n.memKB * int64(best.perNode)
		} else {
			alloc.MaxMemPerNode = ceilDiv64(n.memKB, int64(best.nodes))
		}
	}
	log.Debugf("resolved %s to %s among %d candidate class(es)", req, alloc, len(survivors))
	return alloc, nil
}

// evaluate runs the filter stages for one class, returning the first stage that
// rejected it (or stagePassed) and a reason.
func evaluate(n normalized, class NodeClass, opts MatchOptions) (candidate, int, string) {
	c := candidate{class: class}

	if len(n.partitions) > 0 {
		matched := false
		for _, re := range n.partitions {
			if re.MatchString(class.Name) {
				matched = true
				break
			}
		}
		if !matched {
			return c, stagePartition, "not in requested partitions"
		}
	}

	if class.MaxTime > 0 && n.maxTime > class.MaxTime {
		return c, stageTime, fmt.Sprintf("max time %ds < %ds", class.MaxTime, n.maxTime)
	}

	requested := n.cores
	switch {
	case n.nodes > 0:
		if n.coresPerNode > class.NumCores {
			return c, stageCores, fmt.Sprintf("%d cores per node < %d", class.NumCores, n.coresPerNode)
		}
		c.nodes = n.nodes
		if requested == 0 {
			requested = n.nodes * class.NumCores
		}
	case opts.PartialNode:
		if n.cores > class.NumCores {
			return c, stageCores, fmt.Sprintf("%d cores per node < %d for a partial node", class.NumCores, n.cores)
		}
		c.nodes = 1
	default:
		if opts.ExactFit && n.cores%class.NumCores != 0 {
			return c, stageCores, fmt.Sprintf("%d cores is not a multiple of %d cores per node", n.cores, class.NumCores)
		}
		c.nodes = ceilDiv(n.cores, class.NumCores)
	}

	if opts.PartialNode && n.nodes <= 1 && requested < class.NumCores {
		c.partial = true
		c.perNode = requested
		c.reserved = requested
		c.nodes = 1
	} else {
		c.perNode = class.NumCores
		c.reserved = c.nodes * class.NumCores
	}
	c.excessCores = c.reserved - requested

	if n.memKB > 0 && class.MaxMem > 0 {
		var need, have int64
		if n.memPerCore {
			// per-core memory is compared against a fair share of the node
			cores := int64(class.NumCores)
			if c.partial {
				cores = int64(c.perNode)
			}
			have = class.MaxMem
			if n.memKB > have/cores {
				return c, stageMemory, fmt.Sprintf("memory %dkB < %dkB per core x %d", have, n.memKB, cores)
			}
			need = n.memKB * cores
		} else {
			need = n.memKB
			have = class.MaxMem * int64(c.nodes)
		}
		if need > have {
			return c, stageMemory, fmt.Sprintf("memory %dkB < %dkB", have, need)
		}
		c.excessMem = have - need
	}
	return c, stagePassed, ""
}

func maxCores(catalog Catalog) int {
	m := 0
	for _, c := range catalog {
		if c.NumCores > m {
			m = c.NumCores
		}
	}
	return m
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func ceilDiv64(a, b int64) int64 {
	return (a + b - 1) / b
}
