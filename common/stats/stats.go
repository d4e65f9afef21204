// Package stats counts what the job manager, the job database and the remote
// shell do, on top of a go-metrics registry. Receivers are scoped per component
// and the whole registry renders as one flat JSON object for offloadcl --stats.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

// StatsReceiver hands out instruments named by its slash-delimited scope.
//
//	stat.Scope("remote").Counter(RemoteRetryCounter)  // "remote/retryCounter"
//
// Instruments of the same name share state, whichever receiver made them.
type StatsReceiver interface {
	Scope(scope ...string) StatsReceiver

	Counter(name ...string) Counter

	// Latency durations render in milliseconds.
	Latency(name ...string) Latency

	// Render marshals the whole registry, not only this scope.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver returns a receiver on a new registry.
func DefaultStatsReceiver() StatsReceiver {
	return &registryReceiver{registry: metrics.NewRegistry()}
}

type registryReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *registryReceiver) Scope(scope ...string) StatsReceiver {
	return &registryReceiver{registry: s.registry, scope: s.scoped(scope...)}
}

func (s *registryReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.name(name...), newCounter).(Counter)
}

func (s *registryReceiver) Latency(name ...string) Latency {
	// The registry calls factory funcs by reflection and cannot return our type from them.
	return s.registry.GetOrRegister(s.name(name...), newLatency()).(Latency)
}

func (s *registryReceiver) Render(pretty bool) []byte {
	data := map[string]interface{}{}
	s.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case *latency:
			m.render(data, name)
		case Counter:
			data[name] = m.Count()
		default:
			log.Debugf("stats: not rendering %s (%T)", name, i)
		}
	})
	var out []byte
	var err error
	if pretty {
		out, err = json.MarshalIndent(data, "", "  ")
	} else {
		out, err = json.Marshal(data)
	}
	if err != nil {
		log.Errorf("stats registry cannot be marshaled: %v", err)
		return []byte("{}")
	}
	return out
}

// scoped appends to the receiver's scope without sharing its backing array.
// Slashes inside an element become "_SLASH_".
func (s *registryReceiver) scoped(elems ...string) []string {
	out := make([]string, 0, len(s.scope)+len(elems))
	out = append(out, s.scope...)
	for _, e := range elems {
		out = append(out, strings.ReplaceAll(e, "/", "_SLASH_"))
	}
	return out
}

func (s *registryReceiver) name(elems ...string) string {
	return strings.Join(s.scoped(elems...), "/")
}

// NilStatsReceiver drops everything. Its counters always read zero.
func NilStatsReceiver() StatsReceiver { return nilReceiver{} }

type nilReceiver struct{}

func (r nilReceiver) Scope(...string) StatsReceiver { return r }
func (nilReceiver) Counter(...string) Counter        { return &counter{metrics.NilCounter{}} }
func (nilReceiver) Latency(...string) Latency        { return nilLatency{} }
func (nilReceiver) Render(bool) []byte               { return []byte("{}") }

type Counter interface {
	Count() int64
	Inc(int64)
}

type counter struct{ metrics.Counter }

func newCounter() Counter { return &counter{metrics.NewCounter()} }

// Latency times one operation at a time:
//
//	lat := stat.Latency(JobSubmitLatency_ms).Time()
//	defer lat.Stop()
type Latency interface {
	Time() Latency
	Stop()
}

// latency keeps a uniform sample of nanosecond durations. It embeds the
// histogram so that the registry stores it.
type latency struct {
	metrics.Histogram
	start time.Time
}

func newLatency() *latency {
	return &latency{Histogram: metrics.NewHistogram(metrics.NewUniformSample(1028))}
}

func (l *latency) Time() Latency { l.start = Clock.Now(); return l }
func (l *latency) Stop()         { l.Update(Clock.Since(l.start).Nanoseconds()) }

func (l *latency) render(data map[string]interface{}, name string) {
	h := l.Snapshot()
	ms := float64(time.Millisecond)
	data[name+".count"] = h.Count()
	data[name+".avg"] = h.Mean() / ms
	data[name+".max"] = float64(h.Max()) / ms
	for i, p := range h.Percentiles(percentiles) {
		data[name+"."+percentileLabels[i]] = p / ms
	}
}

var (
	percentiles      = []float64{0.5, 0.99}
	percentileLabels = []string{"p50", "p99"}
)

type nilLatency struct{}

func (l nilLatency) Time() Latency { return l }
func (nilLatency) Stop()          {}
