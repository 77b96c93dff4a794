// Package phash keeps recent classification verdicts keyed by the perceptual
// hash of the frame that produced them, so visually identical consecutive
// frames from one device skip the classifier.
package phash

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // registers the WebP decoder with image.Decode
)

const (
	DefaultTTL       = 3 * time.Minute
	DefaultThreshold = 1
)

// Verdict is the cached outcome of a classification.
type Verdict struct {
	State  string
	Score  float64
	Reason string
}

// Entry is one cached hash for a device.
type Entry struct {
	Hash      uint64
	Verdict   Verdict
	ExpiresAt time.Time
}

type deviceCache struct {
	mu      sync.Mutex
	entries []Entry
}

// Cache is partitioned per device; devices never share entries or locks.
type Cache struct {
	devices   sync.Map // device id -> *deviceCache
	ttl       time.Duration
	threshold int
	now       func() time.Time
}

type Option func(*Cache)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(ttl time.Duration, threshold int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	c := &Cache{ttl: ttl, threshold: threshold, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compute returns the 64-bit difference hash of an encoded image.
func Compute(image []byte) (uint64, error) {
	img, err := imaging.Decode(bytes.NewReader(image), imaging.AutoOrientation(true))
	if err != nil {
		return 0, fmt.Errorf("decode image: %w", err)
	}
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return 0, fmt.Errorf("difference hash: %w", err)
	}
	return h.GetHash(), nil
}

// Distance is the Hamming distance between two difference hashes.
func Distance(a, b uint64) int {
	d, err := goimagehash.NewImageHash(a, goimagehash.DHash).Distance(goimagehash.NewImageHash(b, goimagehash.DHash))
	if err != nil {
		// only returned for mismatched kinds
		return 64
	}
	return d
}

func (c *Cache) device(deviceID string, create bool) *deviceCache {
	if v, ok := c.devices.Load(deviceID); ok {
		return v.(*deviceCache)
	}
	if !create {
		return nil
	}
	v, _ := c.devices.LoadOrStore(deviceID, &deviceCache{})
	return v.(*deviceCache)
}

// Lookup returns the closest unexpired verdict within the distance threshold.
// Expired entries encountered along the way are dropped.
func (c *Cache) Lookup(deviceID string, hash uint64) (Verdict, bool) {
	dc := c.device(deviceID, false)
	if dc == nil {
		return Verdict{}, false
	}
	now := c.now()

	dc.mu.Lock()
	defer dc.mu.Unlock()

	best := -1
	bestDist := c.threshold + 1
	live := dc.entries[:0]
	for _, e := range dc.entries {
		if !now.Before(e.ExpiresAt) {
			continue
		}
		live = append(live, e)
		if d := Distance(e.Hash, hash); d <= c.threshold && d < bestDist {
			best = len(live) - 1
			bestDist = d
		}
	}
	dc.entries = live

	if best < 0 {
		return Verdict{}, false
	}
	return dc.entries[best].Verdict, true
}

// Store records v for hash. An existing entry within the threshold is
// refreshed in place instead of adding a near-duplicate.
func (c *Cache) Store(deviceID string, hash uint64, v Verdict, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	dc := c.device(deviceID, true)
	expires := c.now().Add(ttl)

	dc.mu.Lock()
	defer dc.mu.Unlock()

	for i := range dc.entries {
		if Distance(dc.entries[i].Hash, hash) <= c.threshold {
			dc.entries[i] = Entry{Hash: hash, Verdict: v, ExpiresAt: expires}
			return
		}
	}
	dc.entries = append(dc.entries, Entry{Hash: hash, Verdict: v, ExpiresAt: expires})
}

// TTL is the default entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Sweep drops expired entries for every device and forgets devices left
// with none. It returns the number of entries removed.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	c.devices.Range(func(key, value any) bool {
		dc := value.(*deviceCache)
		dc.mu.Lock()
		live := dc.entries[:0]
		for _, e := range dc.entries {
			if now.Before(e.ExpiresAt) {
				live = append(live, e)
			} else {
				removed++
			}
		}
		dc.entries = live
		empty := len(live) == 0
		dc.mu.Unlock()
		if empty {
			c.devices.CompareAndDelete(key, value)
		}
		return true
	})
	return removed
}

// Len reports the number of entries held for a device, expired or not.
func (c *Cache) Len(deviceID string) int {
	dc := c.device(deviceID, false)
	if dc == nil {
		return 0
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
