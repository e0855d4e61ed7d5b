// Package symbols implements the module/symbol source the module cache
// consumes: ELF header introspection and symbol-table parsing for
// images mapped into a tracee's address space.
package symbols

import (
	"debug/elf"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tinydbg/udbg/pkg/udbg"
)

// Source resolves one mapped image on disk into a Module description with
// its symbol table, consumed only through this interface by the module
// cache.
type Source struct {
	symCache *lru.Cache[string, map[uintptr]udbg.Symbol]
}

// NewSource builds a Source whose parsed symbol tables are cached in a
// bounded LRU keyed by module path, so repeatedly-faulted-in shared
// objects are not re-parsed on every module-cache refresh.
func NewSource(cacheSize int) (*Source, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	c, err := lru.New[string, map[uintptr]udbg.Symbol](cacheSize)
	if err != nil {
		return nil, udbg.NewError(udbg.KindSystem, err)
	}
	return &Source{symCache: c}, nil
}

// SkipExtensions names image types the module cache never resolves
// symbols for (".oat"/".apk" are skipped).
var SkipExtensions = []string{".oat", ".apk"}

// ShouldSkip reports whether path names an image the module refresh should
// skip entirely.
func ShouldSkip(path string) bool {
	for _, ext := range SkipExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// Header is the subset of the ELF header the module cache records.
type Header struct {
	Arch       udbg.Arch
	EntryPoint uintptr
}

func archFromMachine(m elf.Machine) udbg.Arch {
	switch m {
	case elf.EM_386:
		return udbg.ArchX86
	case elf.EM_X86_64:
		return udbg.ArchX86_64
	case elf.EM_ARM:
		return udbg.ArchARM
	case elf.EM_AARCH64:
		return udbg.ArchARM64
	default:
		return udbg.ArchUnknown
	}
}

// ReadHeader opens path and extracts e_machine -> arch name and e_entry,
// choosing the 32- or 64-bit header variant via debug/elf's own class
// dispatch (it reads the ELF identification bytes itself).
func (s *Source) ReadHeader(path string) (Header, error) {
	f, err := elf.Open(path)
	if err != nil {
		return Header{}, udbg.NewError(udbg.KindSystem, err)
	}
	defer f.Close()

	return Header{
		Arch:       archFromMachine(f.Machine),
		EntryPoint: uintptr(f.Entry),
	}, nil
}

// symbolNamePrefixFilter is the module cache's symbol-name exclusion rule
// (names starting with "$x." are filtered out).
const symbolNamePrefixFilter = "$x."

// Symbols parses path's dynamic symbols and exports into the cache-shaped
// map the module cache stores, using and populating the LRU cache.
func (s *Source) Symbols(path string) (map[uintptr]udbg.Symbol, error) {
	if cached, ok := s.symCache.Get(path); ok {
		return cached, nil
	}

	f, err := elf.Open(path)
	if err != nil {
		return nil, udbg.NewError(udbg.KindSystem, err)
	}
	defer f.Close()

	out := make(map[uintptr]udbg.Symbol)
	addAll := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Name == "" || strings.HasPrefix(sym.Name, symbolNamePrefixFilter) {
				continue
			}
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC && elf.ST_TYPE(sym.Info) != elf.STT_OBJECT {
				continue
			}
			out[uintptr(sym.Value)] = udbg.Symbol{
				Name:  sym.Name,
				Flags: uint32(sym.Info),
				Size:  uintptr(sym.Size),
			}
		}
	}

	if syms, err := f.Symbols(); err == nil {
		addAll(syms)
	}
	if dynsyms, err := f.DynamicSymbols(); err == nil {
		addAll(dynsyms)
	}

	s.symCache.Add(path, out)
	return out, nil
}

// DeriveName derives a module's display name from its on-disk path. It
// returns the first candidate not already in taken, trying in order the
// version-trimmed name, the all-extensions trim, the last-extension trim
// and the bare file name.
func DeriveName(path string, taken map[string]bool) string {
	base := filepath.Base(path)

	candidates := []string{
		trimVersion(base),
		trimAllExt(base),
		trimLastExt(base),
		base,
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if !taken[c] {
			return c
		}
	}
	// Every candidate collided; fall back to the full path, which is
	// unique by construction.
	return path
}

// trimVersion strips a trailing shared-object version suffix such as
// "libfoo.so.1.2.3" -> "libfoo.so".
func trimVersion(name string) string {
	idx := strings.Index(name, ".so.")
	if idx < 0 {
		return name
	}
	return name[:idx+len(".so")]
}

// trimAllExt strips every extension: "libfoo.so.1.2.3" -> "libfoo".
func trimAllExt(name string) string {
	if idx := strings.Index(name, "."); idx >= 0 {
		return name[:idx]
	}
	return name
}

// trimLastExt strips only the final extension: "libfoo.so.1.2.3" ->
// "libfoo.so.1.2".
func trimLastExt(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return name
	}
	return strings.TrimSuffix(name, ext)
}
