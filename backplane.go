package crated

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

// Backplane tracks the crate-wide synchronization state the modules share:
// which modules hold the synchronous-start line and whose clocks report
// locked. It is rebuilt from the module variables after every boot, so a
// host restart picks up whatever the hardware was already doing.
type Backplane struct {
	mu      sync.Mutex
	waiters []int // module numbers with SynchWait set, ascending
	inSynch map[int]bool
	leader  int
}

func NewBackplane() *Backplane {
	return &Backplane{inSynch: make(map[int]bool), leader: -1}
}

// Reinit rereads the synchronization variables from every booted module.
func (b *Backplane) Reinit(modules []*Module) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waiters = b.waiters[:0]
	b.inSynch = make(map[int]bool)
	b.leader = -1
	for _, m := range modules {
		if m == nil || !m.Booted() {
			continue
		}
		sw, err := m.ReadVar("SynchWait", 0, true)
		if err != nil {
			return err
		}
		is, err := m.ReadVar("InSynch", 0, true)
		if err != nil {
			return err
		}
		b.inSynch[m.Number] = is != 0
		if sw != 0 {
			b.waiters = append(b.waiters, m.Number)
		}
	}
	sort.Ints(b.waiters)
	if len(b.waiters) > 0 {
		b.leader = b.waiters[0]
	}
	return nil
}

// Leader returns the module that releases a synchronous start, or -1 when
// no module is waiting on the line.
func (b *Backplane) Leader() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leader
}

// SyncWaiters returns the modules holding the synchronous-start line.
func (b *Backplane) SyncWaiters() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.waiters))
	copy(out, b.waiters)
	return out
}

// InSynch reports whether a module's sampling clock was locked to the
// backplane reference when the state was last read.
func (b *Backplane) InSynch(number int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inSynch[number]
}

// Report writes a plain-text summary of the backplane state.
func (b *Backplane) Report(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(w, "backplane: leader %d, sync waiters %v\n", b.leader, b.waiters)
	var nums []int
	for n := range b.inSynch {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	for _, n := range nums {
		fmt.Fprintf(w, " module %d: in synch %v\n", n, b.inSynch[n])
	}
}
