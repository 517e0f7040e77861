package main

import (
	"debug/elf"
	"testing"
)

func TestParseAddrAcceptsDecimalAndHex(t *testing.T) {
	cases := map[string]uint64{
		"4096":       4096,
		"0x1000":     0x1000,
		"0xffffffff": 0xffffffff,
	}
	for in, want := range cases {
		got, err := parseAddr(in)
		if err != nil {
			t.Fatalf("parseAddr(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseAddr(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseAddrRejectsGarbage(t *testing.T) {
	if _, err := parseAddr("not-an-address"); err == nil {
		t.Fatalf("parseAddr should reject non-numeric input")
	}
}

func TestSupportedMachine(t *testing.T) {
	for _, m := range []elf.Machine{elf.EM_X86_64, elf.EM_AARCH64, elf.EM_RISCV} {
		if !supportedMachine(m) {
			t.Fatalf("%v should be a supported machine", m)
		}
	}
	if supportedMachine(elf.EM_ARM) {
		t.Fatalf("EM_ARM (32-bit) should not be supported")
	}
}
