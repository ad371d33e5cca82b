// Package blockcache keeps decrypted model blocks resident in memory.
// Blocks are fetched as ciphertext, verified against the manifest hash,
// decrypted with the provisioned key and reference-counted while workers
// use them. Plaintext never touches persistent storage and is zeroed on
// eviction.
package blockcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sync/singleflight"

	"github.com/arbalest-ml/arbalest/internal/errdefs"
	"github.com/arbalest-ml/arbalest/internal/logger"
	"github.com/arbalest-ml/arbalest/internal/manifest"
	"github.com/arbalest-ml/arbalest/internal/metrics"
	"github.com/arbalest-ml/arbalest/internal/transport"
)

// State tracks a block's residency lifecycle.
type State int

const (
	Unloaded State = iota
	Loading
	Resident
	Evicting
)

type entry struct {
	state   State
	data    []byte // decrypted payload
	refs    int    // in-flight task handles
	lastUse time.Time
}

// Cache is the resident block cache. All state transitions happen under mu;
// concurrent Acquire calls for the same block coalesce into one load.
type Cache struct {
	man    *manifest.Manifest
	fetch  transport.BlockFetcher
	keys   transport.KeyProvider
	budget int64

	mu            sync.Mutex
	entries       map[int]*entry
	residentBytes int64

	group singleflight.Group
	log   *logger.Logger
}

// New builds a cache with a residency budget in bytes of decrypted payload.
func New(man *manifest.Manifest, fetch transport.BlockFetcher, keys transport.KeyProvider, budget int64) *Cache {
	return &Cache{
		man:     man,
		fetch:   fetch,
		keys:    keys,
		budget:  budget,
		entries: make(map[int]*entry),
		log:     logger.Log.With("blockcache"),
	}
}

// BlockHandle is a borrowed view of a resident block. The cache retains
// ownership; callers must Release when the task finishes.
type BlockHandle struct {
	c        *Cache
	index    int
	data     []byte
	released bool
}

func (h *BlockHandle) Index() int { return h.index }

// Data returns the decrypted payload. Valid until Release.
func (h *BlockHandle) Data() []byte { return h.data }

// Release drops the handle's reference. Safe to call once per handle.
func (h *BlockHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.c.release(h.index)
}

// Acquire returns a handle for a resident block, loading it first if needed.
// N concurrent callers for the same block share one fetch+verify+decrypt and
// each get their own reference.
func (c *Cache) Acquire(ctx context.Context, index int) (*BlockHandle, error) {
	if _, err := c.man.Block(index); err != nil {
		return nil, err
	}
	for {
		c.mu.Lock()
		if e := c.entries[index]; e != nil && e.state == Resident {
			e.refs++
			e.lastUse = time.Now()
			c.mu.Unlock()
			return &BlockHandle{c: c, index: index, data: e.data}, nil
		}
		c.mu.Unlock()

		_, err, _ := c.group.Do(strconv.Itoa(index), func() (interface{}, error) {
			return nil, c.load(ctx, index)
		})
		if err != nil {
			return nil, err
		}
		// Loop: take a reference on the now-resident entry. If eviction
		// raced us the next iteration reloads.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (c *Cache) release(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[index]; e != nil && e.refs > 0 {
		e.refs--
		e.lastUse = time.Now()
	}
}

// load brings one block resident: fetch ciphertext, verify, decrypt, insert.
func (c *Cache) load(ctx context.Context, index int) error {
	start := time.Now()
	desc, err := c.man.Block(index)
	if err != nil {
		return err
	}

	cipher, err := c.fetch.FetchBlockBytes(ctx, index)
	if err != nil {
		return fmt.Errorf("block %d: %w", index, err)
	}

	sum := sha256.Sum256(cipher)
	if hex.EncodeToString(sum[:]) != desc.Hash {
		metrics.BlockIntegrityFailures.Inc()
		return fmt.Errorf("block %d: %w", index, errdefs.ErrIntegrityMismatch)
	}

	key, err := c.keys.BlockKey(ctx, index, desc.KeyRef)
	if err != nil {
		return fmt.Errorf("block %d key: %w", index, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		metrics.BlockDecryptFailures.Inc()
		return fmt.Errorf("block %d: %v: %w", index, err, errdefs.ErrDecryptionFailed)
	}
	nonce, err := hex.DecodeString(desc.Nonce)
	if err != nil {
		return fmt.Errorf("block %d nonce: %w", index, err)
	}
	plain, err := aead.Open(nil, nonce, cipher, nil)
	if err != nil {
		metrics.BlockDecryptFailures.Inc()
		return fmt.Errorf("block %d: %w", index, errdefs.ErrDecryptionFailed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[index]; e != nil && e.state == Resident {
		zero(plain)
		return nil // another load won the race
	}
	if err := c.makeRoomLocked(int64(len(plain))); err != nil {
		zero(plain)
		return fmt.Errorf("block %d: %w", index, err)
	}
	c.entries[index] = &entry{state: Resident, data: plain, lastUse: time.Now()}
	c.residentBytes += int64(len(plain))
	metrics.RecordBlockLoad(time.Since(start))
	metrics.RecordBlockResidency(c.residentCountLocked(), c.residentBytes)
	c.log.Debug("block resident", "block", index, "bytes", len(plain), "load_ms", time.Since(start).Milliseconds())
	return nil
}

// makeRoomLocked evicts idle residents, LRU first, until size fits the
// budget. Blocks with live references are never candidates.
func (c *Cache) makeRoomLocked(size int64) error {
	if size > c.budget {
		return fmt.Errorf("block larger than budget (%d > %d): %w", size, c.budget, errdefs.ErrResourceExhausted)
	}
	for c.residentBytes+size > c.budget {
		victim := -1
		var oldest time.Time
		for idx, e := range c.entries {
			if e.state != Resident || e.refs > 0 {
				continue
			}
			if victim == -1 || e.lastUse.Before(oldest) {
				victim = idx
				oldest = e.lastUse
			}
		}
		if victim == -1 {
			return fmt.Errorf("no evictable block: %w", errdefs.ErrResourceExhausted)
		}
		c.evictLocked(victim)
	}
	return nil
}

func (c *Cache) evictLocked(index int) {
	e := c.entries[index]
	e.state = Evicting
	c.residentBytes -= int64(len(e.data))
	zero(e.data)
	delete(c.entries, index)
	metrics.BlockEvictions.Inc()
	metrics.RecordBlockResidency(c.residentCountLocked(), c.residentBytes)
	c.log.Debug("block evicted", "block", index)
}

func (c *Cache) residentCountLocked() int {
	n := 0
	for _, e := range c.entries {
		if e.state == Resident {
			n++
		}
	}
	return n
}

// Contains reports whether a block is resident right now. The scheduler's
// placement path uses this for load-cost estimates; staleness is fine.
func (c *Cache) Contains(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[index]
	return e != nil && e.state == Resident
}

// ResidentBytes returns the decrypted bytes currently held.
func (c *Cache) ResidentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residentBytes
}

// ResidentCount returns how many blocks are resident.
func (c *Cache) ResidentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residentCountLocked()
}

// Budget returns the configured residency budget.
func (c *Cache) Budget() int64 { return c.budget }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
