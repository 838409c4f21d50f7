package stream

import (
	"sort"
	"sync"

	"github.com/YaganovValera/market-stream/internal/marketdata"
)

// Registry is the desired subscription set. Callers mutate it from any goroutine; the
// connection task is signalled through Dirty and reconciles the wire state itself.
type Registry struct {
	mu      sync.Mutex
	desired map[string]struct{}
	max     int
	dirty   chan struct{}

	onChange func(symbols []string)
}

// NewRegistry creates an empty set. max ≤ 0 means unlimited.
func NewRegistry(max int) *Registry {
	return &Registry{
		desired: make(map[string]struct{}),
		max:     max,
		dirty:   make(chan struct{}, 1),
	}
}

// OnChange registers fn to receive the sorted set after every effective mutation.
// fn runs under the registry lock, so calls arrive in mutation order; it must not call back
// into the Registry.
func (r *Registry) OnChange(fn func(symbols []string)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Add inserts symbols and returns the ones that were new.
func (r *Registry) Add(symbols []string) ([]string, error) {
	symbols = marketdata.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}

	r.mu.Lock()
	var added []string
	for _, s := range symbols {
		if _, ok := r.desired[s]; !ok {
			added = append(added, s)
		}
	}
	if r.max > 0 && len(r.desired)+len(added) > r.max {
		r.mu.Unlock()
		return nil, ErrTooManySymbols
	}
	for _, s := range added {
		r.desired[s] = struct{}{}
	}
	if len(added) > 0 {
		r.changed()
	}
	r.mu.Unlock()

	if len(added) > 0 {
		r.signal()
	}
	return added, nil
}

// Remove deletes symbols and returns the ones that were present.
func (r *Registry) Remove(symbols []string) ([]string, error) {
	symbols = marketdata.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}

	r.mu.Lock()
	var removed []string
	for _, s := range symbols {
		if _, ok := r.desired[s]; ok {
			delete(r.desired, s)
			removed = append(removed, s)
		}
	}
	if len(removed) > 0 {
		r.changed()
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		r.signal()
	}
	return removed, nil
}

// Contains reports whether symbol is desired.
func (r *Registry) Contains(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.desired[marketdata.NormalizeSymbol(symbol)]
	return ok
}

// Snapshot returns the desired set, sorted.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []string {
	out := make([]string, 0, len(r.desired))
	for s := range r.desired {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// changed is called with mu held.
func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange(r.sortedLocked())
	}
}

// Len is the size of the desired set.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.desired)
}

// Dirty fires after a mutation. Signals coalesce.
func (r *Registry) Dirty() <-chan struct{} { return r.dirty }

func (r *Registry) signal() {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// diff compares the desired list with what was asserted on the wire.
func diff(desired []string, asserted map[string]struct{}) (subscribe, unsubscribe []string) {
	want := make(map[string]struct{}, len(desired))
	for _, s := range desired {
		want[s] = struct{}{}
		if _, ok := asserted[s]; !ok {
			subscribe = append(subscribe, s)
		}
	}
	for s := range asserted {
		if _, ok := want[s]; !ok {
			unsubscribe = append(unsubscribe, s)
		}
	}
	sort.Strings(unsubscribe)
	return subscribe, unsubscribe
}
