package control

import (
	"sort"
	"strings"
)

// Bindings maps logical drive functions to key names. Key names are the
// lower-cased values of a browser KeyboardEvent.key.
type Bindings struct {
	Accelerate []string
	Brake      []string
	Left       []string
	Right      []string
	Handbrake  string
}

// DefaultBindings returns WASD plus arrow keys, with q as the handbrake.
func DefaultBindings() Bindings {
	return Bindings{
		Accelerate: []string{"w", "arrowup"},
		Brake:      []string{"s", "arrowdown"},
		Left:       []string{"a", "arrowleft"},
		Right:      []string{"d", "arrowright"},
		Handbrake:  "q",
	}
}

// KeySet is the set of currently pressed keys.
type KeySet map[string]struct{}

// NormalizeKey lower-cases a key name.
func NormalizeKey(key string) string {
	return strings.ToLower(key)
}

// Add marks key as pressed. It reports whether the key was newly added.
func (k KeySet) Add(key string) bool {
	if _, ok := k[key]; ok {
		return false
	}
	k[key] = struct{}{}
	return true
}

// Remove clears key.
func (k KeySet) Remove(key string) {
	delete(k, key)
}

// Has reports whether key is pressed.
func (k KeySet) Has(key string) bool {
	_, ok := k[key]
	return ok
}

// Any reports whether any of keys is pressed.
func (k KeySet) Any(keys []string) bool {
	for _, key := range keys {
		if k.Has(key) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (k KeySet) Clone() KeySet {
	out := make(KeySet, len(k))
	for key := range k {
		out[key] = struct{}{}
	}
	return out
}

// Sorted returns the pressed keys in lexical order.
func (k KeySet) Sorted() []string {
	out := make([]string, 0, len(k))
	for key := range k {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
