package store

import (
	"context"
	"sort"
	"sync"

	"ratebook/internal/catalog/models"
	id "ratebook/pkg/domain"
	"ratebook/pkg/platform/sentinel"
)

// InMemory is the development and test implementation of the catalog
// store. A single RWMutex guards all maps; composite mutation operations
// hold the write lock for their full duration so a reader sees either the
// pre-state or the committed post-state, never an intermediate one.
type InMemory struct {
	mu       sync.RWMutex
	products map[id.ProductID]*models.Product
	byCUSIP  map[id.CUSIP]id.ProductID
	versions map[id.ProductID][]*models.RateVersion
	windows  map[id.ProductID][]*models.AvailabilityWindow
}

func NewInMemory() *InMemory {
	return &InMemory{
		products: make(map[id.ProductID]*models.Product),
		byCUSIP:  make(map[id.CUSIP]id.ProductID),
		versions: make(map[id.ProductID][]*models.RateVersion),
		windows:  make(map[id.ProductID][]*models.AvailabilityWindow),
	}
}

// Create inserts a product together with its initial open rate version.
// Returns ErrAlreadyUsed when the CUSIP is taken.
func (s *InMemory) Create(_ context.Context, p *models.Product, rv *models.RateVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byCUSIP[p.CUSIP]; exists {
		return sentinel.ErrAlreadyUsed
	}
	if _, exists := s.products[p.ID]; exists {
		return sentinel.ErrAlreadyUsed
	}
	s.products[p.ID] = p.Clone()
	s.byCUSIP[p.CUSIP] = p.ID
	s.versions[p.ID] = []*models.RateVersion{rv.Clone()}
	return nil
}

// FindByID returns a copy of the product. Reading a product whose rate
// history has zero or more than one open version returns ErrCorrupted:
// that is a versioning-engine bug, not a normal miss.
func (s *InMemory) FindByID(_ context.Context, productID id.ProductID) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(productID)
}

// FindByCUSIP resolves the external key to a product.
func (s *InMemory) FindByCUSIP(_ context.Context, cusip id.CUSIP) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	productID, ok := s.byCUSIP[cusip]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.findLocked(productID)
}

func (s *InMemory) findLocked(productID id.ProductID) (*models.Product, error) {
	p, ok := s.products[productID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if err := s.checkOpenVersionLocked(productID); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// checkOpenVersionLocked enforces the exactly-one-open-version invariant.
func (s *InMemory) checkOpenVersionLocked(productID id.ProductID) error {
	open := 0
	for _, rv := range s.versions[productID] {
		if rv.IsOpen() {
			open++
		}
	}
	if open != 1 {
		return sentinel.ErrCorrupted
	}
	return nil
}

// ListCurrent returns a snapshot of every product. Each call re-reads
// current state; nothing is cached across calls.
func (s *InMemory) ListCurrent(_ context.Context) ([]*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Product, 0, len(s.products))
	for productID, p := range s.products {
		if err := s.checkOpenVersionLocked(productID); err != nil {
			return nil, err
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CUSIP < out[j].CUSIP })
	return out, nil
}

// History returns the product's rate versions ordered by effective-from
// ascending.
func (s *InMemory) History(_ context.Context, productID id.ProductID) ([]*models.RateVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	versions := s.versions[productID]
	out := make([]*models.RateVersion, 0, len(versions))
	for _, rv := range versions {
		out = append(out, rv.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })
	return out, nil
}

// Windows returns the product's availability windows, newest first.
func (s *InMemory) Windows(_ context.Context, productID id.ProductID) ([]*models.AvailabilityWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	windows := s.windows[productID]
	out := make([]*models.AvailabilityWindow, 0, len(windows))
	for _, w := range windows {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ApplyRateChange commits a rate mutation: compare-and-swap on the product
// version, close the open rate version at the new one's effective-from,
// insert the new open version, and replace the denormalized product row.
// All under one lock; all or nothing.
func (s *InMemory) ApplyRateChange(_ context.Context, after *models.Product, newVersion *models.RateVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.products[after.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if cur.Version != after.Version-1 {
		return sentinel.ErrConflict
	}

	var open *models.RateVersion
	openCount := 0
	for _, rv := range s.versions[after.ID] {
		if rv.IsOpen() {
			open = rv
			openCount++
		}
	}
	if openCount != 1 {
		return sentinel.ErrCorrupted
	}
	if newVersion.EffectiveFrom.Equal(open.EffectiveFrom) {
		// Same-instant double version; the caller must re-read.
		return sentinel.ErrConflict
	}
	if newVersion.EffectiveFrom.Before(open.EffectiveFrom) {
		return sentinel.ErrInvalidState
	}

	closedAt := newVersion.EffectiveFrom
	open.EffectiveTo = &closedAt
	s.versions[after.ID] = append(s.versions[after.ID], newVersion.Clone())
	s.products[after.ID] = after.Clone()
	return nil
}

// AddWindow commits an availability-window mutation with the same
// compare-and-swap discipline. Overlap with an existing active window is
// rejected as ErrInvalidState.
func (s *InMemory) AddWindow(_ context.Context, after *models.Product, w *models.AvailabilityWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.products[after.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if cur.Version != after.Version-1 {
		return sentinel.ErrConflict
	}
	if w.Active {
		for _, existing := range s.windows[after.ID] {
			if existing.Active && existing.Overlaps(w) {
				return sentinel.ErrInvalidState
			}
		}
	}
	cp := *w
	s.windows[after.ID] = append(s.windows[after.ID], &cp)
	s.products[after.ID] = after.Clone()
	return nil
}

// UpdateStatus commits an activation-flag mutation (deactivate or
// reactivate) with compare-and-swap on the product version.
func (s *InMemory) UpdateStatus(_ context.Context, after *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.products[after.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if cur.Version != after.Version-1 {
		return sentinel.ErrConflict
	}
	s.products[after.ID] = after.Clone()
	return nil
}
