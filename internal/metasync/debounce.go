// Package metasync pushes title edits from a room to the document metadata
// store after a quiet period.
package metasync

import (
	"context"
	"sync"
	"time"
)

// WriteFunc performs the write for key with the latest value.
type WriteFunc func(ctx context.Context, key, value string)

type slot struct {
	timer *time.Timer
	// gen identifies the armed timer. A callback carrying an older value
	// lost the race with a re-arm and does nothing.
	gen      uint64
	latest   string
	inFlight bool
	pending  bool
}

// Debouncer holds one timer per key. Every input cancels and re-arms the
// timer. At most one write per key runs at a time; input that arrives during
// a write schedules exactly one follow-up carrying the latest value.
type Debouncer struct {
	delay time.Duration
	write WriteFunc
	ctx   context.Context

	mu    sync.Mutex
	slots map[string]*slot
	wg    sync.WaitGroup
}

func NewDebouncer(ctx context.Context, delay time.Duration, write WriteFunc) *Debouncer {
	return &Debouncer{
		delay: delay,
		write: write,
		ctx:   ctx,
		slots: map[string]*slot{},
	}
}

func (d *Debouncer) Push(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.slots[key]
	if s == nil {
		s = &slot{}
		d.slots[key] = s
	}
	s.latest = value
	if s.inFlight {
		s.pending = true
		return
	}
	d.arm(key, s)
}

// arm must be called with d.mu held.
func (d *Debouncer) arm(key string, s *slot) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(d.delay, func() { d.fire(key, gen) })
}

func (d *Debouncer) fire(key string, gen uint64) {
	d.mu.Lock()
	s := d.slots[key]
	if s == nil || s.gen != gen || s.inFlight {
		d.mu.Unlock()
		return
	}
	s.inFlight = true
	s.timer = nil
	value := s.latest
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	d.write(d.ctx, key, value)

	d.mu.Lock()
	defer d.mu.Unlock()
	s.inFlight = false
	if s.pending {
		s.pending = false
		d.arm(key, s)
		return
	}
	if s.timer == nil {
		delete(d.slots, key)
	}
}

// Flush stops pending timers and waits for in-flight writes. Pending values
// are dropped.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	for key, s := range d.slots {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if !s.inFlight {
			delete(d.slots, key)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}
