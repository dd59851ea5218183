package sched

import (
	"io"

	"corekernel/kernel/kfmt"
)

// sampleFn records one scheduling decision; a no-op until EnableSampling
// attaches a sink. It is called with the tick Schedule made the decision
// at, the CPU it ran on, and the thread ID picked to run there, matching
// the "<tick> <cpu> <thread>" line format cmd/ktrace parses.
var sampleFn = func(tick uint64, cpuIdx int, id ThreadID) {}

// EnableSampling writes one line per scheduling decision to w: the HPET
// tick, the CPU index, and the thread ID now running there. Intended for
// the serial console, so an external capture of that stream can be fed to
// cmd/ktrace to render a pprof profile of scheduling behavior.
func EnableSampling(w io.Writer) {
	sampleFn = func(tick uint64, cpuIdx int, id ThreadID) {
		kfmt.Fprintf(w, "%d %d %d\n", tick, cpuIdx, uint64(id))
	}
}

// DisableSampling restores the no-op sink, e.g. once a capture session ends.
func DisableSampling() {
	sampleFn = func(tick uint64, cpuIdx int, id ThreadID) {}
}
