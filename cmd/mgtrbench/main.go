// Command mgtrbench drives the segment manager's mapped regions with the
// same sequential/random/mixed throughput workloads bitdb's iotest used
// against a bare file, so capacity planning can measure mmap'd segment
// I/O directly instead of raw os.File reads.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epokhe/mgtr/addr"
	"github.com/epokhe/mgtr/segment"
	"github.com/epokhe/mgtr/topology"
)

var (
	mode     = flag.String("mode", "seq", "seq | rand | mix-shared | mix-split")
	dbPath   = flag.String("db", "bench.mgtr", "segment file to create/open")
	segSize  = flag.Int64("segsize", 16<<20, "segment size in bytes")
	nSegs    = flag.Int("segments", 4, "number of segments to materialize before benchmarking")
	duration = flag.Duration("dur", 15*time.Second, "run time")
	seqBS    = flag.Int64("seqbs", 1<<20, "sequential block size (bytes)")
	randBS   = flag.Int64("randbs", 4<<10, "random block size (bytes)")
	randRate = flag.Int("randrate", 0, "limit random reads per second (0 = unlimited)")
	randSeed = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
)

func main() {
	flag.Parse()

	path, err := filepath.Abs(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "abspath: %v\n", err)
		os.Exit(1)
	}

	mgr := openOrCreate(path)
	defer mgr.Close()

	for i := 0; i < *nSegs; i++ {
		if _, err := mgr.EnsureSegment(addr.SegmentIndex(i)); err != nil {
			fmt.Fprintf(os.Stderr, "ensure segment %d: %v\n", i, err)
			os.Exit(1)
		}
	}

	switch *mode {
	case "seq":
		runSeq(mgr)
	case "rand":
		runRand(mgr)
	case "mix-shared", "mix-split":
		runMixed(mgr)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(1)
	}
}

func openOrCreate(path string) *segment.Manager {
	cfg := segment.Config{SegmentSize: *segSize, Topology: topology.New()}
	if mgr, err := segment.OpenExisting(path, cfg); err == nil {
		return mgr
	}
	mgr, err := segment.CreateNew(path, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create %q: %v\n", path, err)
		os.Exit(1)
	}
	return mgr
}

func mib(b int64, d time.Duration) float64 {
	return float64(b) / (1024 * 1024) / d.Seconds()
}

// ---------------- pure sequential: walk every materialized segment in
// fixed-size blocks, wrapping around once all segments are covered.

func runSeq(mgr *segment.Manager) {
	deadline := time.Now().Add(*duration)
	var reads int64

	for time.Now().Before(deadline) {
		for seg := 0; seg < *nSegs && time.Now().Before(deadline); seg++ {
			for off := int64(0); off+*seqBS <= *segSize && time.Now().Before(deadline); off += *seqBS {
				a := addr.New(addr.SegmentIndex(seg), addr.SegmentPos(off))
				if _, err := mgr.ReadonlyBlock(a, int(*seqBS)); err != nil {
					fmt.Fprintf(os.Stderr, "seq read: %v\n", err)
					os.Exit(1)
				}
				reads++
			}
		}
	}

	total := reads * *seqBS
	fmt.Printf("Sequential: %.2f MiB/s (%d reads)\n", mib(total, *duration), reads)
}

// ---------------- pure random: pick a random segment and in-segment
// offset each iteration, bounded so the window never crosses a segment.

func randomRead(mgr *segment.Manager, r *rand.Rand) error {
	seg := addr.SegmentIndex(r.Intn(*nSegs))
	off := r.Int63n(*segSize - *randBS)
	a := addr.New(seg, addr.SegmentPos(off))
	_, err := mgr.ReadonlyBlock(a, int(*randBS))
	return err
}

func runRand(mgr *segment.Manager) {
	r := rand.New(rand.NewSource(*randSeed))
	deadline := time.Now().Add(*duration)
	var reads int64

	var ticker *time.Ticker
	if *randRate > 0 {
		ticker = time.NewTicker(time.Second / time.Duration(*randRate))
		defer ticker.Stop()
	}

	for time.Now().Before(deadline) {
		if ticker != nil {
			<-ticker.C
		}
		if err := randomRead(mgr, r); err != nil {
			fmt.Fprintf(os.Stderr, "rand read: %v\n", err)
			os.Exit(1)
		}
		reads++
	}

	total := reads * *randBS
	fmt.Printf("Random: %.2f MiB/s (%d reads)\n", mib(total, *duration), reads)
}

// ---------------- mixed: one goroutine sweeps sequentially, another
// hammers random offsets, both against the same segment manager.

func runMixed(mgr *segment.Manager) {
	var seqBytes, rndBytes int64
	deadline := time.Now().Add(*duration)
	r := rand.New(rand.NewSource(*randSeed))
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for time.Now().Before(deadline) {
			for seg := 0; seg < *nSegs && time.Now().Before(deadline); seg++ {
				for off := int64(0); off+*seqBS <= *segSize && time.Now().Before(deadline); off += *seqBS {
					a := addr.New(addr.SegmentIndex(seg), addr.SegmentPos(off))
					if _, err := mgr.ReadonlyBlock(a, int(*seqBS)); err != nil {
						fmt.Fprintf(os.Stderr, "seq read: %v\n", err)
						os.Exit(1)
					}
					atomic.AddInt64(&seqBytes, *seqBS)
				}
			}
		}
	}()

	var ticker *time.Ticker
	if *randRate > 0 {
		ticker = time.NewTicker(time.Second / time.Duration(*randRate))
		defer ticker.Stop()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for time.Now().Before(deadline) {
			if ticker != nil {
				<-ticker.C
			}
			if err := randomRead(mgr, r); err != nil {
				fmt.Fprintf(os.Stderr, "rand read: %v\n", err)
				os.Exit(1)
			}
			atomic.AddInt64(&rndBytes, *randBS)
		}
	}()

	wg.Wait()

	fmt.Printf("Mixed (%s): Seq %.2f MiB/s  Rand %.2f MiB/s\n",
		*mode,
		mib(seqBytes, *duration),
		mib(rndBytes, *duration),
	)
}
