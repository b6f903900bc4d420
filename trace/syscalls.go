//go:build linux

package trace

import (
	"sync"

	seccomp "github.com/seccomp/libseccomp-golang"
)

var (
	namesMu sync.Mutex
	names   = map[int64]string{}
)

/**
 * SyscallName resolves a native syscall number to its name.
 * @param nr the syscall number
 * @return the name, or "" when unknown
 */
func SyscallName(nr int64) string {
	namesMu.Lock()
	defer namesMu.Unlock()

	if name, ok := names[nr]; ok {
		return name
	}
	name, err := seccomp.ScmpSyscall(nr).GetName()
	if err != nil {
		name = ""
	}
	names[nr] = name
	return name
}

