// Package syscallabi documents and validates the kernel's syscall entry
// contract (spec.md 6): entry on the `syscall` instruction, the syscall
// number in RAX, up to six arguments in RDI/RSI/RDX/R10/R8/R9, a return
// value in RAX where negative values encode -errno, plus the minimum
// syscall set and the arch_prctl sub-codes.
//
// This module never issues a real syscall — it models the ABI shape a
// syscall dispatcher would switch on. golang.org/x/sys/unix is used for
// the Utsname layout `uname` must fill in, the one place this ABI needs an
// OS-standard struct shape rather than an invented one.
package syscallabi

import (
	"golang.org/x/sys/unix"

	"github.com/oichkatzele/corekernel/internal/errno"
)

/// Number identifies a syscall, dispatched from the value a caller placed
/// in RAX.
type Number int64

const (
	SysExit Number = iota
	SysRead
	SysWrite
	SysOpen
	SysClose
	SysMmap
	SysMunmap
	SysFork
	SysExecve
	SysKill
	SysSigaction
	SysArchPrctl
	SysUname
)

var names = map[Number]string{
	SysExit:      "exit",
	SysRead:      "read",
	SysWrite:     "write",
	SysOpen:      "open",
	SysClose:     "close",
	SysMmap:      "mmap",
	SysMunmap:    "munmap",
	SysFork:      "fork",
	SysExecve:    "execve",
	SysKill:      "kill",
	SysSigaction: "sigaction",
	SysArchPrctl: "arch_prctl",
	SysUname:     "uname",
}

func (n Number) String() string {
	if s, ok := names[n]; ok {
		return s
	}
	return "unknown_syscall"
}

/// ArchPrctlCode is one of the arch_prctl sub-operations spec.md 6 names.
type ArchPrctlCode uint64

const (
	ArchSetGS ArchPrctlCode = 0x1001
	ArchSetFS ArchPrctlCode = 0x1002
	ArchGetFS ArchPrctlCode = 0x1003
	ArchGetGS ArchPrctlCode = 0x1004
)

/// Args is the six general-purpose argument registers a syscall entry
/// carries (RDI,RSI,RDX,R10,R8,R9), in that order.
type Args struct {
	RDI, RSI, RDX, R10, R8, R9 uint64
}

/// EncodeResult packs a return value into RAX's convention: success
/// values are returned unchanged; an error encodes as -errno.
func EncodeResult(value int64, err errno.Errno) int64 {
	if err != errno.OK {
		return int64(err)
	}
	return value
}

/// DecodeResult splits a raw RAX value back into a value/error pair, the
/// inverse of EncodeResult — useful for a userspace-side test harness.
func DecodeResult(rax int64) (int64, errno.Errno) {
	if rax < 0 {
		return 0, errno.Errno(rax)
	}
	return rax, errno.OK
}

/// FillUname populates a unix.Utsname-shaped struct the way the `uname`
/// syscall must, using the x/sys/unix struct layout rather than an
/// invented one so callers can reuse the standard field widths.
func FillUname(sysname, nodename, release, version, machine, domainname string) unix.Utsname {
	var u unix.Utsname
	copyCString(u.Sysname[:], sysname)
	copyCString(u.Nodename[:], nodename)
	copyCString(u.Release[:], release)
	copyCString(u.Version[:], version)
	copyCString(u.Machine[:], machine)
	copyCString(u.Domainname[:], domainname)
	return u
}

func copyCString(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s) // keep the last byte for the terminator
	dst[n] = 0
}
