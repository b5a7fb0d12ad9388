// Package eligibility answers whether a user may bid on a creator's
// subscriber-only auctions.
package eligibility

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coocood/freecache"
)

// Checker is the subscription lookup the engine depends on.
type Checker interface {
	IsSubscriber(ctx context.Context, userID, creatorID string) (bool, error)
}

// MemoryDirectory is an in-process subscription set for development and
// tests.
type MemoryDirectory struct {
	mu   sync.RWMutex
	subs map[string]map[string]bool // creator -> subscriber set
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{subs: make(map[string]map[string]bool)}
}

// Subscribe records userID as a subscriber of creatorID.
func (d *MemoryDirectory) Subscribe(userID, creatorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.subs[creatorID]
	if !ok {
		set = make(map[string]bool)
		d.subs[creatorID] = set
	}
	set[userID] = true
}

// Unsubscribe removes userID from creatorID's subscribers.
func (d *MemoryDirectory) Unsubscribe(userID, creatorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs[creatorID], userID)
}

func (d *MemoryDirectory) IsSubscriber(ctx context.Context, userID, creatorID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.subs[creatorID][userID], nil
}

// Cached memoizes answers from an upstream Checker in a freecache
// segment. Errors are never cached.
type Cached struct {
	upstream Checker
	cache    *freecache.Cache
	ttl      time.Duration
	logger   *slog.Logger
}

// NewCached wraps upstream with a cache of sizeMB megabytes.
func NewCached(upstream Checker, sizeMB int, ttl time.Duration) *Cached {
	return &Cached{
		upstream: upstream,
		cache:    freecache.NewCache(sizeMB * 1024 * 1024),
		ttl:      ttl,
		logger:   slog.Default().With("component", "eligibility_cache"),
	}
}

func (c *Cached) IsSubscriber(ctx context.Context, userID, creatorID string) (bool, error) {
	key := cacheKey(userID, creatorID)
	if val, err := c.cache.Get(key); err == nil && len(val) == 1 {
		return val[0] == 1, nil
	} else if err != nil && err != freecache.ErrNotFound {
		c.logger.Warn("cache get failed", "err", err)
	}

	ok, err := c.upstream.IsSubscriber(ctx, userID, creatorID)
	if err != nil {
		return false, err
	}
	val := []byte{0}
	if ok {
		val[0] = 1
	}
	if err := c.cache.Set(key, val, ttlSeconds(c.ttl)); err != nil {
		c.logger.Warn("cache set failed", "err", err)
	}
	return ok, nil
}

// Invalidate forgets the cached answer for a pair, e.g. after a
// subscription change.
func (c *Cached) Invalidate(userID, creatorID string) {
	c.cache.Del(cacheKey(userID, creatorID))
}

// ttlSeconds converts ttl for freecache, where 0 means never expire.
func ttlSeconds(ttl time.Duration) int {
	if s := int(ttl / time.Second); s > 0 {
		return s
	}
	return 1
}

func cacheKey(userID, creatorID string) []byte {
	return []byte(fmt.Sprintf("sub:%s:%s", creatorID, userID))
}

// HTTPChecker asks the subscription service whether a user subscribes to
// a creator: GET {base}/creators/{creator}/subscribers/{user}.
type HTTPChecker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPChecker creates a client for the subscription service at baseURL.
func NewHTTPChecker(baseURL string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type subscriptionResponse struct {
	Active bool `json:"active"`
}

// IsSubscriber reports a 200 with "active": true as a subscription and a
// 404 as none. Anything else is an error.
func (c *HTTPChecker) IsSubscriber(ctx context.Context, userID, creatorID string) (bool, error) {
	endpoint := c.baseURL + "/creators/" + url.PathEscape(creatorID) + "/subscribers/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("subscription %s/%s: %w", creatorID, userID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body subscriptionResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false, fmt.Errorf("subscription %s/%s: decode: %w", creatorID, userID, err)
		}
		return body.Active, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("subscription %s/%s: status %d", creatorID, userID, resp.StatusCode)
	}
}
