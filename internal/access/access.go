// Package access hands auctioned items to auction winners. Grants are
// idempotent: granting the same item to the same user twice is a no-op.
package access

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Grant is one recorded handover.
type Grant struct {
	UserID    string    `json:"user_id"`
	ItemRef   string    `json:"item_ref"`
	GrantedAt time.Time `json:"granted_at"`
}

// MemoryGranter records grants in process.
type MemoryGranter struct {
	mu     sync.Mutex
	grants map[string]Grant
	order  []string
	fail   error
}

// NewMemoryGranter creates an empty granter.
func NewMemoryGranter() *MemoryGranter {
	return &MemoryGranter{grants: make(map[string]Grant)}
}

// SetFailure makes GrantAccess fail with err until cleared with nil.
func (g *MemoryGranter) SetFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = err
}

func (g *MemoryGranter) GrantAccess(ctx context.Context, userID, itemRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return g.fail
	}
	key := userID + "|" + itemRef
	if _, ok := g.grants[key]; ok {
		return nil
	}
	g.grants[key] = Grant{UserID: userID, ItemRef: itemRef, GrantedAt: time.Now().UTC()}
	g.order = append(g.order, key)
	return nil
}

// HasAccess reports whether userID was granted itemRef.
func (g *MemoryGranter) HasAccess(userID, itemRef string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.grants[userID+"|"+itemRef]
	return ok
}

// Grants returns all grants in the order they were made.
func (g *MemoryGranter) Grants() []Grant {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Grant, 0, len(g.order))
	for _, k := range g.order {
		out = append(out, g.grants[k])
	}
	return out
}

// HTTPGranter calls the content service's grant endpoint.
type HTTPGranter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGranter creates a client for the content service at baseURL.
func NewHTTPGranter(baseURL string, timeout time.Duration) *HTTPGranter {
	return &HTTPGranter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type grantRequest struct {
	UserID  string `json:"user_id"`
	ItemRef string `json:"item_ref"`
}

func (g *HTTPGranter) GrantAccess(ctx context.Context, userID, itemRef string) error {
	body, err := json.Marshal(grantRequest{UserID: userID, ItemRef: itemRef})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/grants", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", userID+":"+itemRef)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("grant %s to %s: %w", itemRef, userID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusConflict:
		// 409: already granted.
		return nil
	default:
		return fmt.Errorf("grant %s to %s: status %d", itemRef, userID, resp.StatusCode)
	}
}
