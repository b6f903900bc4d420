//go:build linux

package sandbox

import (
	"fmt"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

/**
 * SetupSeccomp installs a seccomp filter with default action ALLOW. The
 * traced system calls stop the process for the supervisor, and writable
 * shared mappings fail with EINVAL when restricted. Must be called in
 * the helper right before Exec.
 * @param spec the child spec
 */
func SetupSeccomp(spec *ChildSpec) error {
	if len(spec.Trace) == 0 && !spec.RestrictSharedMemoryWritable {
		return nil
	}

	// By default, we allow syscalls not explicitly traced.
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return err
	}
	defer filter.Release()

	for _, name := range spec.Trace {
		sc, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// Not available on this architecture.
			continue
		}
		if err := filter.AddRule(sc, seccomp.ActTrace); err != nil {
			return fmt.Errorf("seccomp: trace %s: %w", name, err)
		}
	}

	if spec.RestrictSharedMemoryWritable {
		if err := addSharedWritableRule(filter); err != nil {
			return err
		}
	}

	// Load the filter.
	if err := filter.Load(); err != nil {
		return fmt.Errorf("seccomp: load: %w", err)
	}

	return nil
}

/**
 * addSharedWritableRule fails mmap(PROT_WRITE, MAP_SHARED) with EINVAL.
 */
func addSharedWritableRule(filter *seccomp.ScmpFilter) error {
	sc, err := seccomp.GetSyscallFromName("mmap")
	if err != nil {
		return fmt.Errorf("seccomp: mmap: %w", err)
	}

	prot, err := seccomp.MakeCondition(2, seccomp.CompareMaskedEqual, unix.PROT_WRITE, unix.PROT_WRITE)
	if err != nil {
		return err
	}
	flags, err := seccomp.MakeCondition(3, seccomp.CompareMaskedEqual, unix.MAP_SHARED, unix.MAP_SHARED)
	if err != nil {
		return err
	}

	act := seccomp.ActErrno.SetReturnCode(int16(unix.EINVAL))
	if err := filter.AddRuleConditional(sc, act, []seccomp.ScmpCondition{prot, flags}); err != nil {
		return fmt.Errorf("seccomp: mmap rule: %w", err)
	}
	return nil
}
