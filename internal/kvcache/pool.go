// Package kvcache manages the pool of fixed-size pages holding per-session
// attention key/value state. Pages are pooled process-wide; each (session,
// block) pair owns an append-only page table that is released as a whole
// when the session ends.
package kvcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/arbalest-ml/arbalest/internal/config"
	"github.com/arbalest-ml/arbalest/internal/errdefs"
	"github.com/arbalest-ml/arbalest/internal/metrics"
)

// PageTable maps a (session, block) pair's logical token positions onto
// physical pages. Append-only while the session is active.
type PageTable struct {
	pages []int32 // physical page indices, in logical order
	next  int     // token positions written so far
}

// Pages returns how many pages the table holds.
func (t *PageTable) Pages() int { return len(t.pages) }

// Positions returns how many token positions have been written.
func (t *PageTable) Positions() int { return t.next }

type tableKey struct {
	session string
	block   int
}

// Pool is the global page pool. One backing slab holds every page; a free
// stack hands out physical indices: pop on alloc, push on whole-session free.
type Pool struct {
	slots  int // token positions per page
	width  int // K/V vector elements per position
	policy config.AdmissionPolicy

	mu     sync.Mutex
	slab   []float32 // [pages][slots][2][width], K plane then V plane per slot
	free   []int32   // stack of free physical pages
	tables map[tableKey]*PageTable
	owned  map[string][]int32 // session -> every physical page it holds
	waitCh chan struct{}      // closed and replaced whenever pages free up
}

// NewPool builds a pool of cfg.PagePool pages.
func NewPool(cfg config.Config) *Pool {
	p := &Pool{
		slots:  cfg.PageSlots,
		width:  cfg.VectorWidth,
		policy: cfg.Admission(),
		slab:   make([]float32, cfg.PagePool*cfg.PageSlots*2*cfg.VectorWidth),
		free:   make([]int32, cfg.PagePool),
		tables: make(map[tableKey]*PageTable),
		owned:  make(map[string][]int32),
		waitCh: make(chan struct{}),
	}
	for i := range p.free {
		p.free[i] = int32(cfg.PagePool - 1 - i) // stack order
	}
	metrics.RecordPagePool(cfg.PagePool, 0)
	return p
}

// Capacity returns the total page budget.
func (p *Pool) Capacity() int {
	return len(p.slab) / (p.slots * 2 * p.width)
}

// FreePages returns how many pages are currently unallocated.
func (p *Pool) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// UsedBytes returns the bytes of allocated pages.
func (p *Pool) UsedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	used := p.Capacity() - len(p.free)
	return int64(used) * p.PageBytes()
}

// PageBytes returns the byte size of one page.
func (p *Pool) PageBytes() int64 {
	return int64(p.slots) * int64(p.width) * 2 * 4
}

// Positions returns the token positions written for a (session, block) pair.
func (p *Pool) Positions(sessionID string, block int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tables[tableKey{sessionID, block}]
	if t == nil {
		return 0
	}
	return t.next
}

// TablePages returns the page count of a (session, block) table. Page counts
// only grow while the session is active.
func (p *Pool) TablePages(sessionID string, block int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tables[tableKey{sessionID, block}]
	if t == nil {
		return 0
	}
	return len(t.pages)
}

// Append writes one token position of K/V vectors for a (session, block)
// pair, allocating a new page when the current one is full. Under the block
// admission policy it suspends until a finished session frees pages; under
// the fail policy it returns ErrResourceExhausted.
func (p *Pool) Append(ctx context.Context, sessionID string, block int, k, v []float32) error {
	if len(k) != p.width || len(v) != p.width {
		return fmt.Errorf("kv vector width %d/%d, want %d", len(k), len(v), p.width)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := tableKey{sessionID, block}
	t := p.tables[key]
	if t == nil {
		t = &PageTable{}
		p.tables[key] = t
	}

	if t.next == len(t.pages)*p.slots {
		phys, err := p.allocPageLocked(ctx)
		if err != nil {
			return err
		}
		t.pages = append(t.pages, phys)
		p.owned[sessionID] = append(p.owned[sessionID], phys)
		metrics.KVPageAllocs.Inc()
		metrics.RecordPagePool(p.Capacity(), p.Capacity()-len(p.free))
	}

	slot := t.next % p.slots
	phys := t.pages[t.next/p.slots]
	base := (int(phys)*p.slots + slot) * 2 * p.width
	copy(p.slab[base:base+p.width], k)
	copy(p.slab[base+p.width:base+2*p.width], v)
	t.next++
	return nil
}

// allocPageLocked pops a free page, waiting under backpressure. Called with
// p.mu held; may drop and retake it.
func (p *Pool) allocPageLocked(ctx context.Context) (int32, error) {
	for len(p.free) == 0 {
		if p.policy == config.AdmissionFail {
			metrics.KVAllocFailures.Inc()
			return -1, fmt.Errorf("page pool empty: %w", errdefs.ErrResourceExhausted)
		}
		metrics.KVAllocStalls.Inc()
		ch := p.waitCh
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			p.mu.Lock()
			return -1, ctx.Err()
		case <-ch:
		}
		p.mu.Lock()
	}
	phys := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return phys, nil
}

// ReadSlice returns copies of the K and V vectors at a token position.
func (p *Pool) ReadSlice(sessionID string, block, pos int) (k, v []float32, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.tables[tableKey{sessionID, block}]
	if t == nil || pos < 0 || pos >= t.next {
		return nil, nil, fmt.Errorf("position %d out of range for session %s block %d", pos, sessionID, block)
	}
	phys := t.pages[pos/p.slots]
	base := (int(phys)*p.slots + pos%p.slots) * 2 * p.width
	k = make([]float32, p.width)
	v = make([]float32, p.width)
	copy(k, p.slab[base:base+p.width])
	copy(v, p.slab[base+p.width:base+2*p.width])
	return k, v, nil
}

// FreeAll releases every page a session holds, exactly once, and wakes any
// allocation stalled on the pool. Freeing is whole-session only: partial
// reclaim of an active session would leave workers writing freed pages.
func (p *Pool) FreeAll(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pages := p.owned[sessionID]
	if pages == nil {
		return
	}
	delete(p.owned, sessionID)
	for key := range p.tables {
		if key.session == sessionID {
			delete(p.tables, key)
		}
	}
	p.free = append(p.free, pages...)
	metrics.KVPageFrees.Add(float64(len(pages)))
	metrics.RecordPagePool(p.Capacity(), p.Capacity()-len(p.free))

	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

// SessionPages returns how many pages a session currently holds.
func (p *Pool) SessionPages(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owned[sessionID])
}
