package main

import (
	"fmt"

	"github.com/google/pprof/profile"
)

// BuildProfile converts a scheduler sample trace into a pprof profile: one
// sample per trace line, with a single "samples" value counting how many
// ticks each thread held the given CPU. Loading the result with
// `go tool pprof` turns a plain "current thread per CPU" log into a
// flame-graph-able view of scheduling fairness and jitter.
func BuildProfile(samples []Sample) (*profile.Profile, error) {
	funcsByName := map[string]*profile.Function{}
	locsByName := map[string]*profile.Location{}
	var funcs []*profile.Function
	var locs []*profile.Location
	var nextID uint64 = 1

	locationFor := func(name string) *profile.Location {
		if loc, ok := locsByName[name]; ok {
			return loc
		}
		fn := funcsByName[name]
		if fn == nil {
			fn = &profile.Function{ID: nextID, Name: name, SystemName: name}
			nextID++
			funcsByName[name] = fn
			funcs = append(funcs, fn)
		}
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn, Line: 0}},
		}
		nextID++
		locsByName[name] = loc
		locs = append(locs, loc)
		return loc
	}

	var pSamples []*profile.Sample
	for _, s := range samples {
		loc := locationFor(s.Thread)
		pSamples = append(pSamples, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1},
			Label:    map[string][]string{"cpu": {fmt.Sprintf("%d", s.CPU)}},
			NumLabel: map[string][]int64{"tick": {int64(s.Tick)}},
		})
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "tick", Unit: "count"},
		Period:     1,
		Sample:     pSamples,
		Location:   locs,
		Function:   funcs,
	}

	if err := p.CheckValid(); err != nil {
		return nil, fmt.Errorf("build profile: %w", err)
	}
	return p, nil
}
