// Package keysetcache keeps the public parameters of the mint's
// keysets in memory and validates (keyset, amount) pairs.
//
// Readers load an immutable snapshot and never take a lock. Writers
// copy the snapshot, modify the copy and swap it in.
package keysetcache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/mint/storage"
	"golang.org/x/sync/singleflight"
)

// KeyRef is the validated public key for an amount in a keyset.
type KeyRef[U cashu.Identifier] struct {
	KeysetId  string
	Unit      U
	Amount    uint64
	PublicKey string
}

type entry[U cashu.Identifier] struct {
	unit   U
	active bool
	keys   map[uint64]string
}

type snapshot[U cashu.Identifier] map[string]*entry[U]

type Cache[U cashu.Identifier] struct {
	catalog   storage.Catalog
	parseUnit func(string) (U, error)

	entries atomic.Pointer[snapshot[U]]
	// serializes writers
	mu sync.Mutex
	// bumped under mu by Invalidate and Refresh. A catalog read that
	// started in an older generation is not published.
	gen   uint64
	loads singleflight.Group
}

func New[U cashu.Identifier](catalog storage.Catalog, parseUnit func(string) (U, error)) *Cache[U] {
	cache := &Cache[U]{catalog: catalog, parseUnit: parseUnit}
	empty := snapshot[U]{}
	cache.entries.Store(&empty)
	return cache
}

func (c *Cache[U]) lookup(id string) (*entry[U], bool) {
	e, ok := (*c.entries.Load())[id]
	return e, ok
}

// get returns the entry for id, reading it from the catalog on a miss.
// Concurrent misses for the same id share one catalog read. The read
// is not tied to any single caller's context; each caller stops
// waiting when its own ctx is done.
func (c *Cache[U]) get(ctx context.Context, id string) (*entry[U], error) {
	if e, ok := c.lookup(id); ok {
		return e, nil
	}

	ch := c.loads.DoChan(id, func() (any, error) {
		for {
			if e, ok := c.lookup(id); ok {
				return e, nil
			}
			gen := c.generation()
			keyset, err := c.catalog.GetKeyset(context.WithoutCancel(ctx), id)
			if err != nil {
				return nil, err
			}
			e, err := c.newEntry(keyset)
			if err != nil {
				return nil, err
			}
			if c.storeIf(gen, func(s snapshot[U]) { s[id] = e }) {
				return e, nil
			}
			// invalidated while reading, read again
		}
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, storage.ErrKeysetNotFound) {
				return nil, cashu.UnknownKeysetErr
			}
			return nil, fmt.Errorf("error loading keyset '%v': %w", id, res.Err)
		}
		return res.Val.(*entry[U]), nil
	}
}

func (c *Cache[U]) newEntry(keyset storage.DBKeyset) (*entry[U], error) {
	unit, err := c.parseUnit(keyset.Unit)
	if err != nil {
		return nil, fmt.Errorf("keyset '%v' has invalid unit: %w", keyset.Id, err)
	}
	return &entry[U]{
		unit:   unit,
		active: keyset.Active,
		keys:   maps.Clone(keyset.PublicKeys),
	}, nil
}

func (c *Cache[U]) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// storeIf applies update to a copy of the current snapshot and publishes
// it, unless the cache was invalidated since generation gen.
func (c *Cache[U]) storeIf(gen uint64, update func(snapshot[U])) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return false
	}
	next := maps.Clone(*c.entries.Load())
	update(next)
	c.entries.Store(&next)
	return true
}

// Resolve validates that keyset exists, is active and has a key for amount.
func (c *Cache[U]) Resolve(ctx context.Context, keysetId string, amount uint64) (KeyRef[U], error) {
	e, err := c.get(ctx, keysetId)
	if err != nil {
		return KeyRef[U]{}, err
	}
	if !e.active {
		return KeyRef[U]{}, cashu.InactiveKeysetSignatureRequest
	}
	pubkey, ok := e.keys[amount]
	if !ok {
		return KeyRef[U]{}, cashu.AmountNotSupportedErr
	}
	return KeyRef[U]{KeysetId: keysetId, Unit: e.unit, Amount: amount, PublicKey: pubkey}, nil
}

func (c *Cache[U]) UnitOf(ctx context.Context, keysetId string) (U, error) {
	e, err := c.get(ctx, keysetId)
	if err != nil {
		var unit U
		return unit, err
	}
	return e.unit, nil
}

// Invalidate drops the entries so they are read again on next use.
func (c *Cache[U]) Invalidate(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	next := maps.Clone(*c.entries.Load())
	for _, id := range ids {
		delete(next, id)
		c.loads.Forget(id)
	}
	c.entries.Store(&next)
}

// Refresh replaces the cache contents with every keyset in the catalog.
// If an Invalidate runs while the catalog is read, it reads again.
func (c *Cache[U]) Refresh(ctx context.Context) error {
	for {
		gen := c.generation()
		keysets, err := c.catalog.GetKeysets(ctx)
		if err != nil {
			return fmt.Errorf("error loading keysets: %w", err)
		}

		next := make(snapshot[U], len(keysets))
		for _, keyset := range keysets {
			e, err := c.newEntry(keyset)
			if err != nil {
				return err
			}
			next[keyset.Id] = e
		}

		c.mu.Lock()
		if c.gen == gen {
			c.gen++
			c.entries.Store(&next)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
	}
}

// Len is the number of cached keysets.
func (c *Cache[U]) Len() int {
	return len(*c.entries.Load())
}
