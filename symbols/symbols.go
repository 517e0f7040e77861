// Package symbols is the kernel's symbol store: per-module public/
// private/non-function symbol tables and address-to-symbol resolution
// for backtraces (spec.md §3 SymbolRepo, supplemented per SPEC_FULL.md §4
// with the resolve-by-address operation the distillation dropped).
//
// Grounded on original_source/kernel/debug/Symbols.cpp for the
// classification (function vs data, public vs private by visibility) and
// repo-list structure, and on biscuit's hashtable.go for the
// keep-sorted-on-insert idiom — here applied to a by-address slice
// (binary-searchable for nearest-base-below) instead of a hash bucket.
package symbols

import (
	"sort"
	"sync"
)

// Flag classifies one symbol the way Symbols.cpp's ClassifySymbol does.
type Flag int

const (
	FlagPublic Flag = iota
	FlagPrivate
	FlagNonFunction
)

// Symbol is one resolved kernel or module symbol.
type Symbol struct {
	Name   string
	Base   uintptr
	Length uintptr
	Flag   Flag
}

// Repo holds one module's (or the kernel's own) symbol tables, each kept
// sorted by Base so Resolve can binary-search for the nearest symbol at
// or below an address.
type Repo struct {
	Name    string
	public  []Symbol
	private []Symbol
	other   []Symbol
}

// Store is the process-wide list of loaded repos; the first repo added
// is conventionally the kernel image itself (Symbols.cpp: "this works
// because the first repo is always the kernel").
type Store struct {
	mu    sync.RWMutex
	repos []*Repo
}

// New creates an empty Store.
func New() *Store {
	return &Store{}
}

// AddRepo adds syms (not required to arrive pre-sorted) as a new named
// repo and returns it.
func (s *Store) AddRepo(name string, syms []Symbol) *Repo {
	r := &Repo{Name: name}
	for _, sym := range syms {
		switch sym.Flag {
		case FlagPublic:
			r.public = append(r.public, sym)
		case FlagPrivate:
			r.private = append(r.private, sym)
		default:
			r.other = append(r.other, sym)
		}
	}
	sortByBase(r.public)
	sortByBase(r.private)
	sortByBase(r.other)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos = append(s.repos, r)
	return r
}

func sortByBase(syms []Symbol) {
	sort.Slice(syms, func(i, j int) bool { return syms[i].Base < syms[j].Base })
}

// Flags selects which of a Repo's tables Resolve/FindByName search.
type Flags struct {
	Public      bool
	Private     bool
	NonFunction bool
	KernelOnly  bool // stop after the first (kernel) repo
}

// Resolve finds the symbol whose [Base, Base+Length) range contains addr,
// searching repos in registration order and, within a repo, the tables
// selected by flags.
func (s *Store) Resolve(addr uintptr, flags Flags) (sym Symbol, repoName string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.repos {
		if flags.Public {
			if sym, ok = nearestContaining(r.public, addr); ok {
				return sym, r.Name, true
			}
		}
		if flags.Private {
			if sym, ok = nearestContaining(r.private, addr); ok {
				return sym, r.Name, true
			}
		}
		if flags.NonFunction {
			if sym, ok = nearestContaining(r.other, addr); ok {
				return sym, r.Name, true
			}
		}
		if flags.KernelOnly {
			break
		}
	}
	return Symbol{}, "", false
}

// FindByName scans a repo's tables for an exact name match.
func (s *Store) FindByName(name string, flags Flags) (sym Symbol, repoName string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.repos {
		if flags.Public {
			if sym, ok = byName(r.public, name); ok {
				return sym, r.Name, true
			}
		}
		if flags.Private {
			if sym, ok = byName(r.private, name); ok {
				return sym, r.Name, true
			}
		}
		if flags.NonFunction {
			if sym, ok = byName(r.other, name); ok {
				return sym, r.Name, true
			}
		}
		if flags.KernelOnly {
			break
		}
	}
	return Symbol{}, "", false
}

func byName(syms []Symbol, name string) (Symbol, bool) {
	for _, sym := range syms {
		if sym.Name == name {
			return sym, true
		}
	}
	return Symbol{}, false
}

// nearestContaining binary-searches the sorted-by-base slice for the
// entry whose range contains addr.
func nearestContaining(syms []Symbol, addr uintptr) (Symbol, bool) {
	i := sort.Search(len(syms), func(i int) bool { return syms[i].Base > addr })
	if i == 0 {
		return Symbol{}, false
	}
	cand := syms[i-1]
	if addr >= cand.Base && addr < cand.Base+cand.Length {
		return cand, true
	}
	return Symbol{}, false
}
