package tracking

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/pkg/api"
)

// LinkRegistry is an in-memory short link table. Hosts with their own link
// shortener implement api.LinkTracker instead.
// The composer shortens through it and the click handler resolves through
// it, so both must share one registry.
type LinkRegistry struct {
	mu       sync.RWMutex
	links    map[string]string
	byTarget map[string]string
}

var _ api.LinkTracker = (*LinkRegistry)(nil)

func NewLinkRegistry() *LinkRegistry {
	return &LinkRegistry{links: make(map[string]string), byTarget: make(map[string]string)}
}

// Register returns the code of target, creating one on first use.
func (r *LinkRegistry) Register(target string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if code, ok := r.byTarget[target]; ok {
		return code
	}
	code := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	r.links[code] = target
	r.byTarget[target] = code
	return code
}

// Shorten is Register in the form the mail composer expects.
func (r *LinkRegistry) Shorten(ctx context.Context, target string) (string, error) {
	return r.Register(target), nil
}

// Put stores target under code, replacing any previous target.
func (r *LinkRegistry) Put(code, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.links[code]; ok && r.byTarget[old] == code {
		delete(r.byTarget, old)
	}
	r.links[code] = target
	r.byTarget[target] = code
}

func (r *LinkRegistry) ResolveRedirect(ctx context.Context, code string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	target, ok := r.links[code]
	if !ok {
		return "", api.ErrLinkNotFound
	}
	return target, nil
}
