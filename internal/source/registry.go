package source

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/feed"
)

// ErrNoSource is returned when no registered adapter accepts a ref.
var ErrNoSource = fmt.Errorf("no source for ref: %w", feed.ErrNotFound)

type entry struct {
	src  Source
	desc Descriptor
	re   *regexp.Regexp
}

// Registry routes refs to adapters in registration order.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries []entry
	ids     map[string]struct{}
}

// NewRegistry builds an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger.Named("sources"), ids: make(map[string]struct{})}
}

// Register validates src's descriptor and adds it.
func (r *Registry) Register(src Source) error {
	if src == nil {
		return errors.New("nil source")
	}
	desc := src.Descriptor()
	if strings.TrimSpace(desc.ID) == "" {
		return errors.New("source id is required")
	}
	if desc.Pattern == "" && desc.Regexp == "" {
		return fmt.Errorf("source %s: pattern or regexp is required", desc.ID)
	}
	if desc.Refresh != "" && !desc.Refresh.Valid() {
		return fmt.Errorf("source %s: unknown refresh window %q", desc.ID, desc.Refresh)
	}
	var re *regexp.Regexp
	if desc.Regexp != "" {
		compiled, err := regexp.Compile(desc.Regexp)
		if err != nil {
			return fmt.Errorf("source %s: compile regexp: %w", desc.ID, err)
		}
		re = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ids[desc.ID]; dup {
		return fmt.Errorf("source %s: duplicate id", desc.ID)
	}
	r.ids[desc.ID] = struct{}{}
	r.entries = append(r.entries, entry{src: src, desc: desc, re: re})
	return nil
}

// Load registers every source, logging and skipping the ones that fail
// validation. It returns the number registered.
func (r *Registry) Load(sources ...Source) int {
	n := 0
	for _, src := range sources {
		if err := r.Register(src); err != nil {
			r.logger.Error("rejecting source", zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// Resolve returns the first adapter whose pattern accepts ref.
func (r *Registry) Resolve(ref string) (Source, Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.matches(ref) {
			return e.src, e.desc, nil
		}
	}
	return nil, Descriptor{}, fmt.Errorf("%w: %s", ErrNoSource, ref)
}

// Lookup returns the adapter registered under id.
func (r *Registry) Lookup(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.desc.ID == id {
			return e.src, true
		}
	}
	return nil, false
}

// Descriptors lists registered adapters in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.desc
	}
	return out
}

func (e entry) matches(ref string) bool {
	if e.re != nil {
		return e.re.MatchString(ref)
	}
	return strings.HasPrefix(ref, e.desc.Pattern)
}
