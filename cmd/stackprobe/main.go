// stackprobe exercises the thread-stack provisioner from the command line:
// it allocates a batch of stacks, optionally touches their usable memory,
// demonstrates fault classification against the guard, and verifies that
// the diagnostics ledger returns to zero after release.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"

	"github.com/orizon-lang/stackmem/internal/stackmem"
)

const (
	colGreen  = "\x1b[32m"
	colYellow = "\x1b[33m"
	colRed    = "\x1b[31m"
	colReset  = "\x1b[0m"
)

func main() {
	var (
		sizeFlag    = flag.String("size", "1MB", "stack size per allocation (e.g. 64KB, 1MB)")
		guardFlag   = flag.String("guard", "", "guard region size (default: one page)")
		count       = flag.Int("count", 4, "number of stacks to allocate")
		touch       = flag.Bool("touch", false, "write through each stack's usable range")
		reuse       = flag.Int("reuse", 0, "recycle each stack through the cache this many times")
		metricsAddr = flag.String("metrics", "", "serve /metrics on this address while holding stacks (e.g. :9190)")
		hold        = flag.Duration("hold", 0, "keep stacks allocated for this long before releasing")
		noColor     = flag.Bool("no-color", false, "disable colored output")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Orizon thread-stack provisioning probe.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s --size 64KB --count 16 --touch   # Provision and dirty 16 small stacks\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --reuse 100                      # Measure cache hit rate over 100 recycles\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --metrics :9190 --hold 30s       # Expose the ledger while stacks are live\n", os.Args[0])
	}

	flag.Parse()

	out := colorable.NewColorableStdout()
	paint := func(col, s string) string {
		if *noColor {
			return s
		}
		return col + s + colReset
	}

	size, err := bytesize.Parse(*sizeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stackprobe: invalid --size %q: %v\n", *sizeFlag, err)
		os.Exit(2)
	}

	var opts []stackmem.Option
	if *guardFlag != "" {
		guard, err := bytesize.Parse(*guardFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stackprobe: invalid --guard %q: %v\n", *guardFlag, err)
			os.Exit(2)
		}
		opts = append(opts, stackmem.WithGuardSize(uintptr(guard)))
	}

	prov := stackmem.NewProvisioner(opts...)
	cache := stackmem.NewStackCache(prov)

	if *metricsAddr != "" {
		bound, stop, err := stackmem.StartMetricsServer(*metricsAddr, map[string]stackmem.MetricFunc{
			"stackmem":       prov.Metrics,
			"stackmem_cache": cache.Metrics,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "stackprobe: metrics server: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = stop(ctx)
		}()
		fmt.Fprintf(out, "metrics: http://%s/metrics\n", bound)
	}

	regions := make([]*stackmem.StackRegion, 0, *count)
	for i := 0; i < *count; i++ {
		r, err := prov.Allocate(uintptr(size))
		if err != nil {
			fmt.Fprintf(os.Stderr, "stackprobe: allocate %d/%d: %v\n", i+1, *count, err)
			os.Exit(1)
		}
		regions = append(regions, r)

		fmt.Fprintf(out, "%s stack %d: base=%#x reserved=%s committed=%s guard=%s sp=%#x\n",
			paint(colGreen, "[ok]"), i+1,
			r.Base(),
			bytesize.New(float64(r.ReservedSize())),
			bytesize.New(float64(r.CommittedSize())),
			bytesize.New(float64(r.GuardSize())),
			r.InitialSP())

		// Demonstrate fault classification against the region's own geometry.
		if c := stackmem.ClassifyFault(r, r.Base()); c == stackmem.FaultStackOverflow {
			fmt.Fprintf(out, "     guard probe at base: %s\n", paint(colYellow, c.String()))
		}
		if c := stackmem.ClassifyFault(r, r.InitialSP()-8); c != stackmem.FaultUnrelated {
			fmt.Fprintf(out, "     %s: usable address misclassified as %s\n", paint(colRed, "BUG"), c)
			os.Exit(1)
		}
	}

	if *touch {
		start := time.Now()
		for _, r := range regions {
			mem := r.Usable()
			for i := 0; i < len(mem); i += 512 {
				mem[i] = byte(i)
			}
		}
		fmt.Fprintf(out, "touched %d stacks in %v\n", len(regions), time.Since(start))
	}

	if *reuse > 0 {
		for i := 0; i < *reuse; i++ {
			r, err := cache.Get(uintptr(size))
			if err != nil {
				fmt.Fprintf(os.Stderr, "stackprobe: cache get: %v\n", err)
				os.Exit(1)
			}
			if err := cache.Put(r); err != nil {
				fmt.Fprintf(os.Stderr, "stackprobe: cache put: %v\n", err)
				os.Exit(1)
			}
		}
		cs := cache.Stats()
		fmt.Fprintf(out, "cache: %d hits / %d misses over %d recycles\n", cs.Hits, cs.Misses, *reuse)
		if err := cache.Purge(); err != nil {
			fmt.Fprintf(os.Stderr, "stackprobe: cache purge: %v\n", err)
			os.Exit(1)
		}
	}

	stats := prov.Stats()
	fmt.Fprintf(out, "ledger: %d allocated, %s in use, %s peak\n",
		stats.Allocations,
		bytesize.New(float64(stats.BytesInUse)),
		bytesize.New(float64(stats.PeakBytesInUse)))

	if *hold > 0 {
		fmt.Fprintf(out, "holding %d stacks for %v\n", len(regions), *hold)
		time.Sleep(*hold)
	}

	for _, r := range regions {
		if err := prov.Release(r); err != nil {
			fmt.Fprintf(os.Stderr, "stackprobe: release: %v\n", err)
			os.Exit(1)
		}
	}

	stats = prov.Stats()
	if stats.BytesInUse != 0 || stats.LiveRegions != 0 {
		fmt.Fprintf(out, "%s ledger did not return to zero: %s in use, %d live\n",
			paint(colRed, "[leak]"), bytesize.New(float64(stats.BytesInUse)), stats.LiveRegions)
		os.Exit(1)
	}
	fmt.Fprintf(out, "%s all stacks released, ledger balanced\n", paint(colGreen, "[ok]"))
}
