package engine

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// WardrobeItem describes a garment. Items are never mutated after creation and
// are shared by pointer between the wardrobe and outfit layers.
type WardrobeItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageRef string `json:"url"`
}

// DefaultWardrobe returns the built-in garments.
func DefaultWardrobe() []WardrobeItem {
	return []WardrobeItem{
		{ID: "gemini-sweat", Name: "Gemini Sweat", ImageRef: "https://i.imghippo.com/files/lSk5925mg.png"},
		{ID: "gemini-tee", Name: "Gemini Tee", ImageRef: "https://i.imghippo.com/files/XRO2445V.png"},
		{ID: "party dress", Name: "party dress", ImageRef: "https://i.imghippo.com/files/Jhlj9804sRk.png"},
		{ID: "red-graphic-tee", Name: "Red Graphic Tee", ImageRef: "https://i.imghippo.com/files/pnOB7650KLQ.png"},
		{ID: "black-skinny-jeans", Name: "Black Skinny Jeans", ImageRef: "https://i.imghippo.com/files/ObV9707X.png"},
	}
}

// Wardrobe is the ordered garment collection of a session. The seed set is
// permanent; custom items are added once per id.
type Wardrobe struct {
	mu      sync.RWMutex
	seed    []WardrobeItem
	items   []*WardrobeItem
	builtin map[string]bool
}

// NewWardrobe seeds a wardrobe. Duplicate seed ids keep the first occurrence.
func NewWardrobe(seed []WardrobeItem) *Wardrobe {
	w := &Wardrobe{seed: append([]WardrobeItem(nil), seed...)}
	w.Reset()
	return w
}

// Reset drops every custom item.
func (w *Wardrobe) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = make([]*WardrobeItem, 0, len(w.seed))
	w.builtin = make(map[string]bool, len(w.seed))
	for _, it := range w.seed {
		if w.builtin[it.ID] {
			continue
		}
		item := it
		w.items = append(w.items, &item)
		w.builtin[it.ID] = true
	}
}

// Items returns the garments in display order.
func (w *Wardrobe) Items() []*WardrobeItem {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*WardrobeItem(nil), w.items...)
}

// Len is the number of garments.
func (w *Wardrobe) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.items)
}

// Lookup resolves a garment id.
func (w *Wardrobe) Lookup(id string) (*WardrobeItem, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.find(id)
}

func (w *Wardrobe) find(id string) (*WardrobeItem, bool) {
	for _, it := range w.items {
		if it.ID == id {
			return it, true
		}
	}
	return nil, false
}

// IsBuiltin reports whether id belongs to the seed set.
func (w *Wardrobe) IsBuiltin(id string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.builtin[id]
}

// Add inserts item unless its id is already present, in which case the
// existing item is returned and added is false.
func (w *Wardrobe) Add(item WardrobeItem) (stored *WardrobeItem, added bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if it, ok := w.find(item.ID); ok {
		return it, false
	}
	cp := item
	w.items = append(w.items, &cp)
	return &cp, true
}

// Remove deletes a custom garment. inUse reports whether any history layer
// still references the id; it is called without the wardrobe lock held.
func (w *Wardrobe) Remove(id string, inUse func(id string) bool) error {
	w.mu.RLock()
	builtin := w.builtin[id]
	_, known := w.find(id)
	w.mu.RUnlock()
	if builtin {
		return errors.Wrapf(ErrBuiltinGarment, "garment %q", id)
	}
	if !known {
		return errors.Wrapf(ErrUnknownGarment, "garment %q", id)
	}
	if inUse != nil && inUse(id) {
		return errors.Wrapf(ErrWardrobeItemInUse, "garment %q", id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, it := range w.items {
		if it.ID == id {
			w.items = append(w.items[:i], w.items[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrUnknownGarment, "garment %q", id)
}

// ValidateCustomGarment normalises a user supplied garment. It returns
// (item, allowed, rejectionReason).
func ValidateCustomGarment(in WardrobeItem) (WardrobeItem, bool, string) {
	out := WardrobeItem{
		ID:       strings.TrimSpace(in.ID),
		Name:     strings.TrimSpace(in.Name),
		ImageRef: strings.TrimSpace(in.ImageRef),
	}
	if out.ImageRef == "" {
		return WardrobeItem{}, false, "missing image"
	}
	if !hasAnyPrefix(out.ImageRef, "http://", "https://", "data:image/") {
		return WardrobeItem{}, false, "image must be an http(s) URL or an image data URL"
	}
	if out.Name == "" {
		out.Name = "Custom garment"
	}
	if out.ID == "" {
		out.ID = "custom-" + slug(out.Name)
	}
	return out, true, ""
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
