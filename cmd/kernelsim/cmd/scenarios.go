package cmd

import (
	"sort"
	"strings"
	"sync"

	"github.com/sarchlab/xvkernel/fs"
	"github.com/sarchlab/xvkernel/kernel"
	"github.com/sarchlab/xvkernel/mem/mmap"
	"github.com/sarchlab/xvkernel/mem/vm"
)

// A scenario is a workload. setup prepares the machine before boot and
// program builds the code of the init process.
type scenario struct {
	description string
	setup       func(k *kernel.Kernel) error
	program     func(cfg config) kernel.Program
}

var scenarios = map[string]scenario{
	"cfs": {
		description: "two processes with nice 20 and 25 share one CPU",
		program:     func(cfg config) kernel.Program { return cfsTest(cfg.ticks) },
	},
	"swap": {
		description: "the heap grows to twice the physical memory",
		program: func(cfg config) kernel.Program {
			return swapTest(cfg.chunkPages)
		},
	},
	"mmap": {
		description: "anonymous and file mappings survive fork and unmap",
		setup:       mmapSetup,
		program:     func(config) kernel.Program { return mmapTest },
	},
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// scenarioHelp describes every scenario, one per line.
func scenarioHelp() string {
	lines := make([]string, 0, len(scenarios))
	for _, name := range scenarioNames() {
		lines = append(lines, name+": "+scenarios[name].description)
	}

	return strings.Join(lines, "\n")
}

// reapAll waits for every child of t.
func reapAll(t *kernel.Task) {
	for {
		if _, err := t.Wait(); err != nil {
			return
		}
	}
}

func cfsTest(ticks int) kernel.Program {
	return func(t *kernel.Task) {
		workers := []struct {
			name string
			nice int
		}{
			{"heavy", 20},
			{"light", 25},
		}

		var mu sync.Mutex

		work := map[int]int{}
		pids := make([]int, 0, len(workers))
		deadline := t.Ticks() + uint64(ticks)

		for _, w := range workers {
			pid, err := t.Fork(w.name, func(c *kernel.Task) {
				n := 0
				for c.Ticks() < deadline {
					c.Compute(1)
					n++
				}

				mu.Lock()
				defer mu.Unlock()

				work[c.PID()] = n
			})
			if err != nil {
				t.Printf("cfstest: fork %s: %v\n", w.name, err)
				break
			}

			pids = append(pids, pid)

			if err := t.SetNice(pid, w.nice); err != nil {
				t.Printf("cfstest: nice %s: %v\n", w.name, err)
			}
		}

		reapAll(t)

		mu.Lock()
		defer mu.Unlock()

		total := 0
		for _, n := range work {
			total += n
		}

		for i, pid := range pids {
			share := 0.0
			if total > 0 {
				share = 100 * float64(work[pid]) / float64(total)
			}

			t.Printf("%s pid %d nice %d: %d ticks (%.1f%%)\n",
				workers[i].name, pid, workers[i].nice, work[pid], share)
		}
	}
}

func signature(round, page int) byte {
	return byte(round*31 + page + 1)
}

func swapTest(chunkPages int) kernel.Program {
	return func(t *kernel.Task) {
		rounds := (2*t.FreeMem() + chunkPages - 1) / chunkPages
		bases := make([]uint32, 0, rounds)

		for i := 0; i < rounds; i++ {
			base, err := t.Sbrk(chunkPages * vm.PageSize)
			if err != nil {
				t.Printf("swaptest: sbrk round %d: %v\n", i, err)
				break
			}

			for p := 0; p < chunkPages; p++ {
				if err := t.Store(base+uint32(p*vm.PageSize), signature(i, p)); err != nil {
					t.Printf("swaptest: store: %v\n", err)
				}
			}

			bases = append(bases, base)
			t.Printf("arr[%d]=0x%x\n", i, base)
		}

		bad := 0

		for i, base := range bases {
			for p := 0; p < chunkPages; p++ {
				b, err := t.Load(base + uint32(p*vm.PageSize))
				if err != nil || b != signature(i, p) {
					bad++
				}
			}
		}

		t.Printf("swaptest: %d pages in %d rounds, %d mismatches\n",
			len(bases)*chunkPages, len(bases), bad)
	}
}

const (
	mmapFile    = "README"
	mmapContent = "xv6 maps this file into memory"
)

func mmapSetup(k *kernel.Kernel) error {
	_, err := k.FS().Create(mmapFile, fs.TypeFile, []byte(mmapContent))
	return err
}

func mmapTest(t *kernel.Task) {
	before := t.FreeMem()

	anon, err := t.Mmap(0, 2*vm.PageSize,
		mmap.ProtRead|mmap.ProtWrite, mmap.MapAnonymous, -1, 0)
	if err != nil {
		t.Printf("mmaptest: anonymous mmap: %v\n", err)
		return
	}

	t.Printf("anonymous mapping at 0x%x, %d frames used\n",
		anon, before-t.FreeMem())

	// One fault binds the whole area, so only its first page is touched.
	_ = t.Store(anon, 'a')

	t.Printf("after the first fault, %d frames used\n", before-t.FreeMem())

	fd, err := t.Open(mmapFile, fs.ORdOnly)
	if err != nil {
		t.Printf("mmaptest: open: %v\n", err)
		return
	}

	file, err := t.Mmap(4*vm.PageSize, vm.PageSize,
		mmap.ProtRead, mmap.MapPopulate, fd, 0)
	if err != nil {
		t.Printf("mmaptest: file mmap: %v\n", err)
		return
	}

	buf := make([]byte, len(mmapContent))
	_ = t.ReadMem(file, buf)
	t.Printf("file mapping at 0x%x reads %q\n", file, buf)

	_, err = t.Fork("mmapchild", func(c *kernel.Task) {
		b, _ := c.Load(anon)
		_ = c.Store(anon, 'c')
		after, _ := c.Load(anon)
		c.Printf("child sees %q, then writes %q\n", b, after)
	})
	if err != nil {
		t.Printf("mmaptest: fork: %v\n", err)
	}

	reapAll(t)

	b, _ := t.Load(anon)
	t.Printf("parent still sees %q\n", b)

	_ = t.Munmap(anon)
	_ = t.Munmap(file)
	_ = t.Close(fd)

	t.Printf("free frames before %d, after %d\n", before, t.FreeMem())
}
