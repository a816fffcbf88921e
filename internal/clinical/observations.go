package clinical

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ObservationSet holds at most one Observation per source, in arrival order.
// It is owned by a single case and is not safe for concurrent use.
type ObservationSet struct {
	order []Source
	bySrc map[Source]Observation
}

func NewObservationSet(seed ...Observation) *ObservationSet {
	s := &ObservationSet{bySrc: make(map[Source]Observation)}
	for _, o := range seed {
		s.Add(o)
	}
	return s
}

// Add appends o unless its source is already present. It reports whether o was kept.
func (s *ObservationSet) Add(o Observation) bool {
	if _, exists := s.bySrc[o.Source]; exists {
		return false
	}
	if o.Err != nil && o.Error == "" {
		o.Error = o.Err.Error()
	}
	if o.Err != nil {
		var srcErr *SourceError
		if errors.As(o.Err, &srcErr) && srcErr.TimedOut {
			o.TimedOut = true
		}
	}
	if o.FetchedAt.IsZero() {
		o.FetchedAt = time.Now()
	}
	s.order = append(s.order, o.Source)
	s.bySrc[o.Source] = o
	return true
}

func (s *ObservationSet) Has(src Source) bool {
	_, ok := s.bySrc[src]
	return ok
}

func (s *ObservationSet) Get(src Source) (Observation, bool) {
	o, ok := s.bySrc[src]
	return o, ok
}

func (s *ObservationSet) Len() int {
	return len(s.order)
}

// All returns a copy of the observations in arrival order.
func (s *ObservationSet) All() []Observation {
	out := make([]Observation, 0, len(s.order))
	for _, src := range s.order {
		out = append(out, s.bySrc[src])
	}
	return out
}

func (s *ObservationSet) Sources() []Source {
	return append([]Source(nil), s.order...)
}

func (s *ObservationSet) Failures() []SourceFailure {
	var out []SourceFailure
	for _, src := range s.order {
		o := s.bySrc[src]
		if o.OK() {
			continue
		}
		out = append(out, SourceFailure{Source: src, Reason: o.Error, TimedOut: o.TimedOut})
	}
	return out
}

func (s *ObservationSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.All())
}

// Decode unmarshals the payload of a successful observation of src into v.
func (s *ObservationSet) Decode(src Source, v any) bool {
	o, ok := s.bySrc[src]
	if !ok || !o.OK() || len(o.Payload) == 0 {
		return false
	}
	return json.Unmarshal(o.Payload, v) == nil
}

// CriticalSignals lists the findings in the set that warrant an alert on
// their own: labs flagged CRITICAL_HIGH or CRITICAL_LOW and major or
// contraindicated drug interactions.
func (s *ObservationSet) CriticalSignals() []string {
	var out []string
	var labs LabPanel
	if s.Decode(SourceLabs, &labs) {
		for _, l := range labs.Results {
			if l.Critical() {
				out = append(out, fmt.Sprintf("%s %g %s %s", l.Test, l.Value, l.Unit, strings.ToUpper(l.Status)))
			}
		}
	}
	var ddi InteractionReport
	if s.Decode(SourceInteractions, &ddi) {
		for _, i := range ddi.Interactions {
			switch strings.ToLower(i.Severity) {
			case "major", "contraindicated":
				out = append(out, fmt.Sprintf("%s + %s %s interaction", i.A, i.B, strings.ToLower(i.Severity)))
			}
		}
	}
	return out
}
