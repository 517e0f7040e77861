package symbols_test

import (
	"testing"

	"github.com/DeanoBurrito/northport-sub001/symbols"
)

func TestResolveFindsContainingSymbol(t *testing.T) {
	s := symbols.New()
	s.AddRepo("kernel", []symbols.Symbol{
		{Name: "SchedReschedule", Base: 0x1000, Length: 0x40, Flag: symbols.FlagPublic},
		{Name: "waitInternal", Base: 0x2000, Length: 0x80, Flag: symbols.FlagPrivate},
	})

	sym, repo, ok := s.Resolve(0x1010, symbols.Flags{Public: true})
	if !ok || sym.Name != "SchedReschedule" || repo != "kernel" {
		t.Fatalf("Resolve(0x1010) = %+v, %q, %v", sym, repo, ok)
	}
}

func TestResolveRespectsFlagSelection(t *testing.T) {
	s := symbols.New()
	s.AddRepo("kernel", []symbols.Symbol{
		{Name: "hiddenHelper", Base: 0x2000, Length: 0x10, Flag: symbols.FlagPrivate},
	})

	if _, _, ok := s.Resolve(0x2004, symbols.Flags{Public: true}); ok {
		t.Fatalf("private symbol resolved while searching only Public")
	}
	if _, _, ok := s.Resolve(0x2004, symbols.Flags{Private: true}); !ok {
		t.Fatalf("private symbol not found while searching Private")
	}
}

func TestResolveOutsideAnyRangeFails(t *testing.T) {
	s := symbols.New()
	s.AddRepo("kernel", []symbols.Symbol{
		{Name: "f", Base: 0x1000, Length: 0x10, Flag: symbols.FlagPublic},
	})
	if _, _, ok := s.Resolve(0x5000, symbols.Flags{Public: true}); ok {
		t.Fatalf("resolved an address outside every symbol's range")
	}
}

func TestFindByNameExactMatch(t *testing.T) {
	s := symbols.New()
	s.AddRepo("gpu-driver", []symbols.Symbol{
		{Name: "GpuReset", Base: 0x9000, Length: 0x20, Flag: symbols.FlagPublic},
	})
	sym, repo, ok := s.FindByName("GpuReset", symbols.Flags{Public: true})
	if !ok || sym.Base != 0x9000 || repo != "gpu-driver" {
		t.Fatalf("FindByName = %+v, %q, %v", sym, repo, ok)
	}
}

func TestKernelOnlyStopsAfterFirstRepo(t *testing.T) {
	s := symbols.New()
	s.AddRepo("kernel", nil)
	s.AddRepo("gpu-driver", []symbols.Symbol{
		{Name: "GpuReset", Base: 0x9000, Length: 0x20, Flag: symbols.FlagPublic},
	})
	if _, _, ok := s.FindByName("GpuReset", symbols.Flags{Public: true, KernelOnly: true}); ok {
		t.Fatalf("KernelOnly search found a symbol belonging to a later repo")
	}
}
