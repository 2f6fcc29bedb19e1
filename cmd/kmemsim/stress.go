package main

import (
	"fmt"
	"math/rand"

	"github.com/gopheros/kmem/kernel/kmem"
	"github.com/gopheros/kmem/kernel/mm"
	"github.com/gopheros/kmem/kernel/mm/slab"
	"github.com/gopheros/kmem/kernel/mm/vmm"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type stressOptions struct {
	workers    int
	iterations int
	seed       int64
}

func newStressCmd(opts *globalOptions) *cobra.Command {
	sopts := &stressOptions{}

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent allocation workers and check for leaks",
		Long: `The stress command runs workers that mix kmalloc/kfree with mmap, page
faults and munmap in private address spaces. When every worker is done the
free page count must match the count observed before the run and no
corruption may have been detected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sopts.workers <= 0 || sopts.iterations <= 0 {
				return errors.Errorf("invalid workload: --workers %d --iterations %d", sopts.workers, sopts.iterations)
			}
			return runStress(cmd, opts, sopts)
		},
	}
	cmd.Flags().IntVarP(&sopts.workers, "workers", "w", 4, "Number of concurrent workers")
	cmd.Flags().IntVarP(&sopts.iterations, "iterations", "n", 500, "Operations per worker")
	cmd.Flags().Int64Var(&sopts.seed, "seed", 1, "Seed for the workload generator")
	return cmd
}

type workerStats struct {
	objects  int
	mappings int
	faults   int
}

func runStress(cmd *cobra.Command, opts *globalOptions, sopts *stressOptions) error {
	m, err := boot(cmd, opts)
	if err != nil {
		return err
	}
	defer m.Close()

	freeBefore := m.Pages().FreePagesCount() + retainedSlabPages(m)

	var eg errgroup.Group
	results := make([]workerStats, sopts.workers)
	for w := 0; w < sopts.workers; w++ {
		w := w
		eg.Go(func() error {
			rng := rand.New(rand.NewSource(sopts.seed + int64(w)))
			stats, err := stressWorker(m, rng, sopts.iterations)
			results[w] = stats
			return errors.Wrapf(err, "worker %d", w)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	var total workerStats
	for _, r := range results {
		total.objects += r.objects
		total.mappings += r.mappings
		total.faults += r.faults
	}

	out := cmd.OutOrStdout()
	freeAfter := m.Pages().FreePagesCount() + retainedSlabPages(m)
	fmt.Fprintf(out, "workers: %d, objects: %d, mappings: %d, faults: %d\n",
		sopts.workers, total.objects, total.mappings, total.faults)
	fmt.Fprintf(out, "reclaimable pages: %d before, %d after\n", freeBefore, freeAfter)

	if n := m.Objects().Corruptions(); n != 0 {
		return errors.Errorf("%d corruptions detected", n)
	}
	if freeBefore != freeAfter {
		return errors.Errorf("leaked %d pages", int64(freeBefore)-int64(freeAfter))
	}
	return nil
}

// retainedSlabPages counts pages held by empty slabs that caches keep for
// reuse.
func retainedSlabPages(m *kmem.Manager) uint64 {
	return lo.SumBy(m.Objects().Caches(), func(info slab.CacheInfo) uint64 {
		return uint64(info.EmptySlabs) * info.SlabPages
	})
}

func stressWorker(m *kmem.Manager, rng *rand.Rand, iterations int) (workerStats, error) {
	var stats workerStats

	v := m.Virtual()
	as, err := v.CreateAddressSpace()
	if err != nil {
		return stats, err
	}
	defer v.DestroyAddressSpace(as)

	objects := m.Objects()
	var live []uintptr
	defer func() {
		for _, ptr := range live {
			_ = objects.Kfree(ptr)
		}
	}()

	for i := 0; i < iterations; i++ {
		switch op := rng.Intn(10); {
		case op < 5:
			size := uintptr(1 + rng.Intn(int(slab.MaxObjectSize)))
			ptr, err := objects.Kmalloc(size, slab.AllocFlags{Zero: op == 0})
			if err != nil {
				return stats, err
			}
			live = append(live, ptr)
			stats.objects++
		case op < 8 && len(live) > 0:
			idx := rng.Intn(len(live))
			if err := objects.Kfree(live[idx]); err != nil {
				return stats, err
			}
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		default:
			pages := uintptr(1 + rng.Intn(8))
			addr, err := v.Mmap(as, 0, pages*mm.PageSize, vmm.ProtUserRW, vmm.MmapOptions{})
			if err != nil {
				return stats, err
			}
			stats.mappings++
			for p := uintptr(0); p < pages; p += 2 {
				if err := v.HandlePageFault(as, addr+p*mm.PageSize, vmm.FaultWrite|vmm.FaultUser); err != nil {
					return stats, err
				}
				stats.faults++
			}
			if err := v.Munmap(as, addr, pages*mm.PageSize); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}
