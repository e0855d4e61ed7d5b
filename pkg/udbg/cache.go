package udbg

import "sort"

// RefreshPages conditionally calls fetch (gated by the target's pages
// TimeCheck) and replaces the cached page vector on success. A fetch
// failure is logged and the previous snapshot is kept — the
// "virtual_query caching on refresh failure" design note: a failed refresh
// must never be treated as evidence the cache is empty.
func (t *Target) RefreshPages(host HostServices, fetch func() ([]MemoryPage, error)) {
	err := t.pagesAt.Call(func() error {
		pages, ferr := fetch()
		if ferr != nil {
			return ferr
		}
		sorted := append([]MemoryPage(nil), pages...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

		t.mu.Lock()
		t.pages = sorted
		t.mu.Unlock()
		return nil
	})
	if err != nil && host != nil {
		host.LogError("memory-map-refresh-failed", err)
	}
}

// VirtualQuery triggers a conditional refresh via RefreshPages, then
// performs a binary search over the ordered page vector for the page
// containing addr.
func (t *Target) VirtualQuery(host HostServices, fetch func() ([]MemoryPage, error), addr uintptr) (MemoryPage, bool) {
	t.RefreshPages(host, fetch)

	t.mu.RLock()
	defer t.mu.RUnlock()
	pages := t.pages
	i := sort.Search(len(pages), func(i int) bool { return pages[i].Base+pages[i].Size > addr })
	if i < len(pages) && pages[i].Base <= addr {
		return pages[i], true
	}
	return MemoryPage{}, false
}

// Pages returns a snapshot of the cached page vector without triggering a
// refresh.
func (t *Target) Pages() []MemoryPage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MemoryPage, len(t.pages))
	copy(out, t.pages)
	return out
}

// RefreshModules conditionally calls fetch (gated by the target's module
// TimeCheck), merging its result into the known module map in place —
// fetch receives and mutates the existing map so a per-module failure can
// be skipped without poisoning the rest. A fetch failure is logged and the
// previous snapshot is kept.
func (t *Target) RefreshModules(host HostServices, fetch func(known map[uintptr]*Module) (map[uintptr]*Module, error)) {
	err := t.modsAt.Call(func() error {
		t.mu.Lock()
		known := t.modules
		t.mu.Unlock()

		updated, ferr := fetch(known)
		if ferr != nil {
			return ferr
		}
		t.mu.Lock()
		t.modules = updated
		t.mu.Unlock()
		return nil
	})
	if err != nil && host != nil {
		host.LogError("module-refresh-failed", err)
	}
}

// Modules returns a snapshot of the cached module map without triggering a
// refresh.
func (t *Target) Modules() map[uintptr]*Module {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uintptr]*Module, len(t.modules))
	for k, v := range t.modules {
		out[k] = v
	}
	return out
}

// ModuleByName looks up a cached module by its derived name.
func (t *Target) ModuleByName(name string) (*Module, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.modules {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}
