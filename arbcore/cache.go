package arbcore

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheLookupResult tells AtOrBeforeGas callers whether to use the
// returned machine, fall back to the database, or give up because
// satisfying the request would require more replay than
// CheckpointMaxExecutionGas allows.
type cacheLookupResult int

const (
	cacheHit cacheLookupResult = iota
	cacheUseDatabase
	cacheTooMuchExecution
)

type cacheEntry struct {
	gas     uint64
	machine Machine
}

// machineCache is the three-tier cache described in spec.md section 4.5:
// a bounded "basic" ring keeping recent gas-indexed snapshots, an LRU
// tier for less-recent-but-still-hot snapshots, and a wall-clock
// expiring "timed" tier for sideload-triggered snapshots kept around for
// archive queries regardless of gas recency.
type machineCache struct {
	mu sync.Mutex

	basicInterval uint64
	basicSize     int
	basic         []cacheEntry // ascending by gas

	lru *lru.Cache[uint64, Machine]

	timedExpiration time.Duration
	timed           map[uint64]timedEntry
}

type timedEntry struct {
	machine Machine
	expires time.Time
}

func newMachineCache(cfg Config) *machineCache {
	size := cfg.LRUMachineCacheSize
	if size < 1 {
		size = 1
	}
	l, _ := lru.New[uint64, Machine](size)
	return &machineCache{
		basicInterval:   cfg.BasicMachineCacheInterval,
		basicSize:       cfg.BasicMachineCacheSize,
		lru:             l,
		timedExpiration: cfg.TimedCacheExpiration,
		timed:           make(map[uint64]timedEntry),
	}
}

// Add inserts machine at gas into the basic tier if it falls on (or
// past) the configured interval boundary since the last basic entry,
// evicting the oldest entry once the ring is full (spec.md's
// basic_machine_cache_interval / basic_machine_cache_size).
func (c *machineCache) Add(gas uint64, m Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.basic) > 0 {
		last := c.basic[len(c.basic)-1].gas
		if c.basicInterval != 0 && gas < last+c.basicInterval {
			return
		}
	}
	if len(c.basic) >= c.basicSize && c.basicSize > 0 {
		c.basic = c.basic[1:]
	}
	c.basic = append(c.basic, cacheEntry{gas: gas, machine: m.Clone()})
}

// AddLRU inserts m into the LRU tier, for machines reached via a cache
// miss worth remembering even if they don't land on a basic interval
// boundary.
func (c *machineCache) AddLRU(gas uint64, m Machine) {
	c.lru.Add(gas, m.Clone())
}

// AddTimed inserts m into the wall-clock expiring tier, used for
// sideload pause points that archive node queries repeatedly re-fetch.
func (c *machineCache) AddTimed(gas uint64, m Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timed[gas] = timedEntry{machine: m.Clone(), expires: time.Now().Add(c.timedExpiration)}
}

// AtOrBeforeGas returns the closest cached machine whose gas is <= target,
// checked across all three tiers, or reports that the caller should fall
// back to loading a checkpoint from the database, or that even the
// nearest checkpoint is too far from target given maxExecutionGas.
func (c *machineCache) AtOrBeforeGas(target uint64, nearestCheckpointGas uint64, maxExecutionGas uint64) (Machine, cacheLookupResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *cacheEntry
	consider := func(e cacheEntry) {
		if e.gas > target {
			return
		}
		if best == nil || e.gas > best.gas {
			cp := e
			best = &cp
		}
	}

	for _, e := range c.basic {
		consider(e)
	}
	for _, gas := range c.lru.Keys() {
		if m, ok := c.lru.Peek(gas); ok {
			consider(cacheEntry{gas: gas, machine: m})
		}
	}
	now := time.Now()
	for gas, e := range c.timed {
		if now.After(e.expires) {
			delete(c.timed, gas)
			continue
		}
		consider(cacheEntry{gas: gas, machine: e.machine})
	}

	if best != nil {
		return best.machine.Clone(), cacheHit
	}

	if maxExecutionGas != 0 && nearestCheckpointGas <= target && target-nearestCheckpointGas > maxExecutionGas {
		return nil, cacheTooMuchExecution
	}
	return nil, cacheUseDatabase
}

// ReorgTo drops every cached entry at or above gas, called when the
// driver truncates the inbox history (spec.md's cache.reorg).
func (c *machineCache) ReorgTo(gas uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.basic[:0]
	for _, e := range c.basic {
		if e.gas < gas {
			kept = append(kept, e)
		}
	}
	c.basic = kept

	for _, k := range c.lru.Keys() {
		if k >= gas {
			c.lru.Remove(k)
		}
	}
	for k := range c.timed {
		if k >= gas {
			delete(c.timed, k)
		}
	}
}
