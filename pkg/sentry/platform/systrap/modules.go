// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package systrap

import (
	"github.com/tinydbg/udbg/pkg/symbols"
	"github.com/tinydbg/udbg/pkg/udbg"
)

// RefreshModules enumerates pid's mapped images and returns one Module per
// base address not already present in known: for each new
// base, it opens the on-disk path, reads the ELF header, records arch and
// entry offset, and adds a Module whose symbol table is lazily parsed from
// the same file. .oat/.apk images are skipped. A failure on one entry is
// reported to host for logging and does not stop the refresh — no refresh
// failure poisons the cache.
func RefreshModules(pid int32, known map[uintptr]*udbg.Module, src *symbols.Source, host udbg.HostServices) (map[uintptr]*udbg.Module, error) {
	pages, err := SnapshotMaps(pid)
	if err != nil {
		return known, err
	}

	names := make(map[string]bool, len(known))
	for _, m := range known {
		names[m.Name] = true
	}

	for _, page := range pages {
		if page.Type != "image" || page.Usage == "" {
			continue
		}
		if symbols.ShouldSkip(page.Usage) {
			continue
		}
		if _, ok := known[page.Base]; ok {
			continue
		}

		hdr, err := src.ReadHeader(page.Usage)
		if err != nil {
			host.LogError("module-header-read-failed", err, udbg.Field{Key: "path", Value: page.Usage})
			continue
		}

		name := symbols.DeriveName(page.Usage, names)
		names[name] = true

		known[page.Base] = &udbg.Module{
			Name:       name,
			Path:       page.Usage,
			Base:       page.Base,
			Size:       page.Size,
			Arch:       hdr.Arch,
			EntryPoint: hdr.EntryPoint,
			Loaded:     true,
			Symbols:    nil, // parsed lazily by ModuleSymbols
		}
	}
	return known, nil
}

// ModuleSymbols lazily parses and caches m's symbol table from its backing
// file.
func ModuleSymbols(m *udbg.Module, src *symbols.Source) (map[uintptr]udbg.Symbol, error) {
	if m.Symbols != nil {
		return m.Symbols, nil
	}
	syms, err := src.Symbols(m.Path)
	if err != nil {
		return nil, err
	}
	m.Symbols = syms
	return syms, nil
}
