package tunable

import (
	"math"
	"sync"
	"sync/atomic"
)

// Tunable is a float that can be changed by one goroutine (remote, config
// watcher) while the control loop reads it.
type Tunable struct {
	Name string
	Step float64

	bits uint64
}

func (t *Tunable) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&t.bits))
}

func (t *Tunable) Set(v float64) {
	atomic.StoreUint64(&t.bits, math.Float64bits(v))
}

// Add moves the value by steps*Step and returns the new value.
func (t *Tunable) Add(steps int) float64 {
	for {
		old := atomic.LoadUint64(&t.bits)
		newV := math.Float64frombits(old) + float64(steps)*t.Step
		if atomic.CompareAndSwapUint64(&t.bits, old, math.Float64bits(newV)) {
			return newV
		}
	}
}

type Tunables struct {
	lock     sync.Mutex
	all      []*Tunable
	selected int
}

func (t *Tunables) Create(name string, value, step float64) *Tunable {
	newTunable := &Tunable{
		Name: name,
		Step: step,
	}
	newTunable.Set(value)

	t.lock.Lock()
	t.all = append(t.all, newTunable)
	t.lock.Unlock()
	return newTunable
}

func (t *Tunables) All() []*Tunable {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]*Tunable(nil), t.all...)
}

func (t *Tunables) ByName(name string) *Tunable {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, tn := range t.all {
		if tn.Name == name {
			return tn
		}
	}
	return nil
}

func (t *Tunables) SelectNext() *Tunable {
	t.lock.Lock()
	defer t.lock.Unlock()
	if len(t.all) == 0 {
		return nil
	}
	t.selected++
	if t.selected >= len(t.all) {
		t.selected = 0
	}
	return t.all[t.selected]
}

func (t *Tunables) SelectPrev() *Tunable {
	t.lock.Lock()
	defer t.lock.Unlock()
	if len(t.all) == 0 {
		return nil
	}
	t.selected--
	if t.selected < 0 {
		t.selected = len(t.all) - 1
	}
	return t.all[t.selected]
}

// Current returns the selected tunable, or nil if there are none.
func (t *Tunables) Current() *Tunable {
	t.lock.Lock()
	defer t.lock.Unlock()
	if len(t.all) == 0 {
		return nil
	}
	return t.all[t.selected]
}
