// Package itemref parses and validates references to the item an auction
// grants exclusive access to.
package itemref

import (
	"errors"
	"fmt"
	"regexp"
)

// Supported item kinds.
const (
	KindContent   = "content"
	KindPrivilege = "privilege"
	KindSlot      = "slot"
)

var validKinds = map[string]bool{
	KindContent:   true,
	KindPrivilege: true,
	KindSlot:      true,
}

// refRegex matches: {kind}:{id}
// Example: content:7f3c2a19-video-042
var refRegex = regexp.MustCompile(`^([a-z]+):([A-Za-z0-9._-]{1,128})$`)

var (
	ErrInvalidRef  = errors.New("itemref: invalid item reference")
	ErrInvalidKind = errors.New("itemref: unsupported item kind")
)

// Ref is a parsed item reference.
type Ref struct {
	Raw  string `json:"raw"`
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// String returns the canonical form.
func (r Ref) String() string {
	return r.Kind + ":" + r.ID
}

// Parse parses and validates an item reference.
// Format: {kind}:{id}
func Parse(raw string) (*Ref, error) {
	matches := refRegex.FindStringSubmatch(raw)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {kind}:{id})", ErrInvalidRef, raw)
	}
	if !validKinds[matches[1]] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, matches[1])
	}
	return &Ref{Raw: raw, Kind: matches[1], ID: matches[2]}, nil
}
