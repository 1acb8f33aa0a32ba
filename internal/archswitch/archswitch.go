// Package archswitch isolates the one piece of this kernel that is
// genuinely architecture-specific: the low-level context switch and TLB
// invalidation. Both are exposed as reassignable function-typed package
// variables so the scheduler and VM layers are unit-testable without real
// hardware or inline assembly.
//
// Grounded on the "hook function variable" testability idiom in
// other_examples' gopher-os vmm.go (frameAllocator, handleExceptionWithCodeFn,
// readCR2Fn are all package-level func vars swapped out by tests) — the
// same shape applied here to switch_thread (original_source/kernel/sched.c)
// and invlpg/mov-to-cr3 (original_source/kernel/mm/pmalloc.c's flush
// callers).
package archswitch

/// ThreadHandle is an opaque reference to whatever the caller's scheduler
/// considers a thread; archswitch never looks inside it.
type ThreadHandle any

/// Switch transitions the CPU from cur to next. The default implementation
/// is a no-op suitable for a cooperative, goroutine-based simulation where
/// "the next thread runs" just means the caller's own control returns;
/// internal/sched's tests install a counting stub to assert a switch happened.
var Switch func(cur, next ThreadHandle) = func(cur, next ThreadHandle) {}

/// FlushTLBPage invalidates a single page's translation (a single invlpg
/// in the original). The default is a no-op; tests can install a recorder.
var FlushTLBPage func(virt uint64) = func(virt uint64) {}

/// FlushTLBAll invalidates the entire TLB (a mov-to-cr3 reload in the
/// original's pmap switch). The default is a no-op.
var FlushTLBAll func() = func() {}

/// Reset restores all three hooks to their no-op defaults; call from test
/// teardown to avoid leaking a prior test's stub into the next one.
func Reset() {
	Switch = func(cur, next ThreadHandle) {}
	FlushTLBPage = func(virt uint64) {}
	FlushTLBAll = func() {}
}
