package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	vm "github.com/VictoriaMetrics/metrics"
)

// VMSink adapts github.com/VictoriaMetrics/metrics to the Sink interface.
// VictoriaMetrics/metrics identifies a labeled series by a single string
// key of the form `name{label="value",...}`, matching the set's own
// GetOrCreate* API; this implementation builds that key deterministically
// (sorted label names) so repeated calls with the same label set hit the
// same series.
//
// Gauges in that library are callback-driven (registered once with a
// func() float64, never "Set" afterwards), so VMSink keeps its own atomic
// value per gauge series and registers a closure that reads it.
type VMSink struct {
	set    *vm.Set
	gauges sync.Map // string key -> *atomic.Uint64 (float64 bits via math.Float64bits)
}

// NewVMSink returns a Sink backed by a fresh, independent VictoriaMetrics
// metric set (so multiple bichannel instances in one process don't collide
// on series names unless the caller wants them to via SharedVMSink).
func NewVMSink() *VMSink {
	return &VMSink{set: vm.NewSet()}
}

// SharedVMSink returns a Sink backed by VictoriaMetrics' process-wide
// default set, suitable when the host process already exposes
// metrics.WritePrometheus on the default set.
func SharedVMSink() *VMSink {
	return &VMSink{}
}

// Set returns the underlying *vm.Set for a fresh sink, so the caller can
// register it with metrics.WritePrometheus. Returns nil for SharedVMSink,
// which writes to the package-default set instead.
func (s *VMSink) Set() *vm.Set { return s.set }

func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func (s *VMSink) IncCounter(name string, labels map[string]string) {
	s.AddCounter(name, 1, labels)
}

func (s *VMSink) AddCounter(name string, delta float64, labels map[string]string) {
	k := key(name, labels)
	if s.set != nil {
		s.set.GetOrCreateCounter(k).Add(int(delta))
		return
	}
	vm.GetOrCreateCounter(k).Add(int(delta))
}

func (s *VMSink) gaugeValue(k string) *atomic.Uint64 {
	v, _ := s.gauges.LoadOrStore(k, &atomic.Uint64{})
	return v.(*atomic.Uint64)
}

func (s *VMSink) SetGauge(name string, value float64, labels map[string]string) {
	k := key(name, labels)
	cell := s.gaugeValue(k)
	cell.Store(math.Float64bits(value))
	reader := func() float64 { return math.Float64frombits(cell.Load()) }
	if s.set != nil {
		s.set.GetOrCreateGauge(k, reader)
		return
	}
	vm.GetOrCreateGauge(k, reader)
}

func (s *VMSink) ObserveHistogram(name string, value float64, labels map[string]string) {
	k := key(name, labels)
	if s.set != nil {
		s.set.GetOrCreateHistogram(k).Update(value)
		return
	}
	vm.GetOrCreateHistogram(k).Update(value)
}
