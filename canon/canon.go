//go:build linux

// Package canon resolves tracee-supplied paths into canonical absolute
// paths, expanding symbolic links the way the kernel would.
package canon

import (
	"errors"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

/**
 * Existence requirements applied while resolving a path.
 */
type Mode int

const (
	// Every component must exist.
	AllMustExist Mode = iota

	// Every component but the last must exist.
	AllButLastMustExist

	// No component needs to exist.
	NoneMustExist
)

/**
 * @return a string representation of the mode.
 */
func (m Mode) String() string {
	switch m {
	case AllMustExist:
		return "existing"
	case AllButLastMustExist:
		return "all_but_last"
	case NoneMustExist:
		return "missing"
	default:
		return "unknown"
	}
}

// Maximum number of symbolic links expanded while resolving one path.
const DefaultMaxSymlinks = 32

/**
 * Resolver canonicalizes paths against the live filesystem.
 */
type Resolver struct {
	MaxSymlinks int
}

var defaultResolver = &Resolver{MaxSymlinks: DefaultMaxSymlinks}

/**
 * Canonicalize resolves name with the default symlink bound.
 * @see Resolver.Canonicalize
 */
func Canonicalize(name string, mode Mode, follow bool) (string, error) {
	return defaultResolver.Canonicalize(name, mode, follow)
}

/**
 * Canonicalize resolves `.`, `..` and symbolic links in an absolute
 * path. Intermediate links are always expanded, a trailing link only
 * when follow is true.
 * @param name the absolute path to resolve
 * @param mode the existence requirement
 * @param follow whether a trailing symbolic link is expanded
 * @return the canonical path, or a unix.Errno
 */
func (r *Resolver) Canonicalize(name string, mode Mode, follow bool) (string, error) {
	if name == "" {
		return "", unix.ENOENT
	}
	if name[0] != '/' {
		return "", unix.EINVAL
	}

	limit := r.MaxSymlinks
	if limit <= 0 {
		limit = DefaultMaxSymlinks
	}

	resolved := "/"
	rest := name
	links := 0

	for {
		rest = strings.TrimLeft(rest, "/")
		if rest == "" {
			break
		}
		// slash is set when a separator follows comp, even a trailing one.
		comp, tail, slash := strings.Cut(rest, "/")
		more := strings.TrimLeft(tail, "/") != ""
		rest = tail

		switch comp {
		case ".":
			continue
		case "..":
			resolved = parent(resolved)
			continue
		}

		resolved = join(resolved, comp)
		if len(resolved) >= unix.PathMax {
			return "", unix.ENAMETOOLONG
		}

		var st unix.Stat_t
		if err := unix.Lstat(resolved, &st); err != nil {
			errno := toErrno(err)
			switch mode {
			case AllMustExist:
				return "", errno
			case AllButLastMustExist:
				if more || (errno != unix.ENOENT && errno != unix.ELOOP) {
					return "", errno
				}
				continue
			}
			st.Mode = 0
		}

		kind := st.Mode & unix.S_IFMT
		if kind == unix.S_IFLNK && (follow || slash) {
			links++
			if links > limit {
				return "", unix.ELOOP
			}

			target, err := readlink(resolved)
			if err != nil {
				if mode == NoneMustExist {
					continue
				}
				return "", toErrno(err)
			}

			if slash {
				rest = target + "/" + tail
			} else {
				rest = target
			}
			if strings.HasPrefix(target, "/") {
				resolved = "/"
			} else {
				resolved = parent(resolved)
			}
			continue
		}

		if kind != unix.S_IFLNK && kind != unix.S_IFDIR && slash && mode != NoneMustExist {
			return "", unix.ENOTDIR
		}
	}

	return resolved, nil
}

/**
 * ProcRewrite replaces the self-referencing /proc entries with the
 * entries of the given thread, since resolving them in the supervisor
 * would point at the supervisor itself.
 * @param path an absolute path
 * @param tid the tracee thread id
 * @return the rewritten path, or path unchanged
 */
func ProcRewrite(path string, tid int) string {
	id := strconv.Itoa(tid)

	for _, rw := range []struct{ from, to string }{
		{"/proc/self", "/proc/" + id},
		{"/proc/thread-self", "/proc/" + id},
		{"/proc/net", "/proc/" + id + "/net"},
		{"/proc/mounts", "/proc/" + id + "/mounts"},
	} {
		if tail, ok := strings.CutPrefix(path, rw.from); ok && (tail == "" || tail[0] == '/') {
			return rw.to + tail
		}
	}
	return path
}

func join(dir, comp string) string {
	if dir == "/" {
		return "/" + comp
	}
	return dir + "/" + comp
}

func parent(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func readlink(p string) (string, error) {
	for size := 256; size <= unix.PathMax*2; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlink(p, buf)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
	return "", unix.ENAMETOOLONG
}

func toErrno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
