package klog

import "fmt"

// TrapFrame is the subset of a CPU exception context the panic header
// prints. The arch layer fills in the rest (spec.md §1 excludes real
// register state capture).
type TrapFrame struct {
	ExceptionName string
	PC            uintptr
	StackPtr      uintptr
	Special       uintptr
}

// PanicHeader formats the fixed panic banner — exception name, faulting
// PC, stack pointer — the way original_source/kernel/Panic.cpp's
// PanicWithException does before the call stack and core info. It does
// not log through the ring/sink path directly; panic output must survive
// a kernel already in an inconsistent state, so the caller writes the
// returned lines through whatever minimal, allocation-light sink it has
// left (spec.md §7: "panic ... print header + trap frame + backtrace").
func PanicHeader(tf TrapFrame) []string {
	return []string{
		fmt.Sprintf("*** PANIC: %s ***", tf.ExceptionName),
		fmt.Sprintf("pc=%#016x stack=%#016x special=%#016x", tf.PC, tf.StackPtr, tf.Special),
	}
}

// dumpWords formats up to len(words) machine words starting at addr, one
// per line. original_source's PrintWordsAt read buffer[i+1] on every
// iteration of a loop bounded by the *copied* count, so its last
// iteration read one word past the data it had actually copied; this
// walks the slice it was actually given and never indexes past its end.
func dumpWords(addr uintptr, words []uint64) []string {
	if len(words) == 0 {
		return []string{"   <cannot safely access memory>"}
	}
	lines := make([]string, 0, len(words))
	for i, w := range words {
		lines = append(lines, fmt.Sprintf("   %#016x: %#016x", addr+uintptr(i)*8, w))
	}
	return lines
}

// DumpStack formats the top of the faulting stack for the panic output,
// reading through read (the arch layer's "safe copy from this address,
// return how many words it managed" primitive).
func DumpStack(addr uintptr, read func(uintptr, int) []uint64) []string {
	words := read(addr, 16)
	lines := []string{"Stack:"}
	return append(lines, dumpWords(addr, words)...)
}
