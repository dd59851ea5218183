// Command ktrace converts a serial-dumped scheduler sample trace (periodic
// "current thread per CPU" snapshots, one per line) into a pprof profile,
// so scheduling fairness and preemption jitter can be inspected with
// `go tool pprof`.
package main

import (
	"flag"
	"log"
	"os"
)

func main() {
	inPath := flag.String("in", "-", "trace input file, or - for stdin")
	outPath := flag.String("out", "ktrace.pprof", "output pprof profile path")
	flag.Parse()

	if err := run(*inPath, *outPath); err != nil {
		log.Fatalf("ktrace: %v", err)
	}
}

func run(inPath, outPath string) error {
	in := os.Stdin
	if inPath != "-" {
		f, err := os.Open(inPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	samples, err := ParseTrace(in)
	if err != nil {
		return err
	}

	p, err := BuildProfile(samples)
	if err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := p.Write(out); err != nil {
		return err
	}

	log.Printf("wrote %d samples to %s", len(samples), outPath)
	return nil
}
