package facilitator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	x402 "github.com/kamiyo-ai/x402-go"
)

// DefaultCacheTTL is how long a verification result is reused.
const DefaultCacheTTL = 30 * time.Second

// ResultCache remembers verification results for a short time and tracks
// in-flight verifications, so a proof retried within one request's retry
// loop is verified once.
type ResultCache struct {
	mu       sync.Mutex
	results  map[string]*x402.VerifyResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewResultCache creates a cache with the given TTL.
func NewResultCache(ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResultCache{
		results:  make(map[string]*x402.VerifyResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// CacheKey hashes (proof, network, amount) into a cache key.
func CacheKey(proof string, network x402.Network, amount string) string {
	h := sha256.New()
	h.Write([]byte(proof))
	h.Write([]byte{0})
	h.Write([]byte(network))
	h.Write([]byte{0})
	h.Write([]byte(amount))
	return hex.EncodeToString(h.Sum(nil))
}

// CacheStatus is the result of CheckAndMark.
type CacheStatus int

const (
	// StatusNotFound means the caller now owns the key and must Complete or Fail it.
	StatusNotFound CacheStatus = iota
	// StatusCached means a live result was found.
	StatusCached
	// StatusInFlight means another caller is verifying the same key.
	StatusInFlight
)

// CheckAndMark atomically looks up key and, when absent, marks it in flight.
func (c *ResultCache) CheckAndMark(key string) (CacheStatus, *x402.VerifyResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result, ok := c.liveLocked(key); ok {
		return StatusCached, result, nil
	}
	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult blocks until the in-flight verification finishes. A nil
// result means it failed and the caller should verify again.
func (c *ResultCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*x402.VerifyResponse, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the live result for key, or nil.
func (c *ResultCache) Get(key string) *x402.VerifyResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, _ := c.liveLocked(key)
	return result
}

// Complete stores the result and releases waiters.
func (c *ResultCache) Complete(key string, result *x402.VerifyResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = result
	c.expiry[key] = c.now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail releases waiters without storing a result.
func (c *ResultCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, key)
	close(done)
}

// Len returns the number of stored results, live or not yet swept.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *ResultCache) liveLocked(key string) (*x402.VerifyResponse, bool) {
	expiry, exists := c.expiry[key]
	if !exists {
		return nil, false
	}
	if !c.now().Before(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil, false
	}
	return c.results[key], true
}

func (c *ResultCache) cleanupExpiredLocked() {
	now := c.now()
	for key, expiry := range c.expiry {
		if !now.Before(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
