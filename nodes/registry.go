// Package nodes holds the node registry, the per-run execution state and the
// built-in node handlers.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/meikuraledutech/flow"
)

// ErrUnknownNodeType is returned by Registry.Get for an unregistered tag.
var ErrUnknownNodeType = errors.New("nodes: unknown node type")

// Store is the datastore surface node handlers operate on.
type Store interface {
	flow.CardStore
	flow.CardTypeStore
}

// HandlerFunc executes a plain node and returns its result.
type HandlerFunc func(ctx context.Context, store Store, st *State, params map[string]any) (any, error)

// BodyFunc runs every body node of a loop once.
type BodyFunc func(ctx context.Context) error

// LoopFunc executes a loop node, calling body once per iteration.
type LoopFunc func(ctx context.Context, store Store, st *State, params map[string]any, body BodyFunc) error

// Handler is a registered node implementation. Exactly one of Func and Loop is set.
type Handler struct {
	Type string
	Func HandlerFunc
	Loop LoopFunc
}

// IsLoop reports whether the handler drives a loop body.
func (h Handler) IsLoop() bool {
	return h.Loop != nil
}

// Info describes a registered node type for discovery.
type Info struct {
	Type        string `json:"type"`
	Category    string `json:"category"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Loop        bool   `json:"loop"`
}

// Registry maps node type tags to handlers. Registration is last-write-wins.
type Registry struct {
	mu           sync.RWMutex
	handlers     map[string]Handler
	descriptions map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:     make(map[string]Handler),
		descriptions: make(map[string]string),
	}
}

// Register binds tag to a plain handler.
func (r *Registry) Register(tag string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tag] = Handler{Type: tag, Func: fn}
}

// RegisterLoop binds tag to a loop handler.
func (r *Registry) RegisterLoop(tag string, fn LoopFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tag] = Handler{Type: tag, Loop: fn}
}

// Describe attaches a human readable description to tag.
func (r *Registry) Describe(tag, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptions[tag] = description
}

// Get returns the handler registered for tag.
func (r *Registry) Get(tag string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[tag]
	r.mu.RUnlock()
	if !ok {
		return Handler{}, fmt.Errorf("%w: %s, registered nodes: %v", ErrUnknownNodeType, tag, r.Types())
	}
	return h, nil
}

// Has reports whether tag is registered.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[tag]
	return ok
}

// IsLoop reports whether tag is registered as a loop node.
func (r *Registry) IsLoop(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[tag].IsLoop()
}

// Types returns the registered tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for tag := range r.handlers {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Infos describes every registered type, sorted by tag.
func (r *Registry) Infos() []Info {
	types := r.Types()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(types))
	for _, tag := range types {
		category, name, found := strings.Cut(tag, ".")
		if !found {
			category, name = "", tag
		}
		out = append(out, Info{
			Type:        tag,
			Category:    category,
			Name:        name,
			Description: r.descriptions[tag],
			Loop:        r.handlers[tag].IsLoop(),
		})
	}
	return out
}
