//go:build linux

package canon

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// tempDir returns a symlink-free temporary directory.
func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestCanonicalizeBasics(t *testing.T) {
	dir := tempDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "file"), nil, 0o644))

	got, err := Canonicalize(dir+"/a/./b/../file", AllMustExist, true)
	require.NoError(t, err)
	assert.Equal(t, dir+"/a/file", got)

	got, err = Canonicalize("/../../..", AllMustExist, true)
	require.NoError(t, err)
	assert.Equal(t, "/", got)

	_, err = Canonicalize("", AllMustExist, true)
	assert.Equal(t, unix.ENOENT, err)

	_, err = Canonicalize("relative/path", NoneMustExist, true)
	assert.Equal(t, unix.EINVAL, err)
}

func TestCanonicalizeExistence(t *testing.T) {
	dir := tempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0o644))

	_, err := Canonicalize(dir+"/missing", AllMustExist, true)
	assert.Equal(t, unix.ENOENT, err)

	got, err := Canonicalize(dir+"/missing", AllButLastMustExist, true)
	require.NoError(t, err)
	assert.Equal(t, dir+"/missing", got)

	_, err = Canonicalize(dir+"/missing/child", AllButLastMustExist, true)
	assert.Equal(t, unix.ENOENT, err)

	got, err = Canonicalize(dir+"/missing/child/../x", NoneMustExist, true)
	require.NoError(t, err)
	assert.Equal(t, dir+"/missing/x", got)

	_, err = Canonicalize(dir+"/file/child", AllButLastMustExist, true)
	assert.Equal(t, unix.ENOTDIR, err)
}

func TestCanonicalizeSymlinks(t *testing.T) {
	dir := tempDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "real", "sub"), 0o755))
	require.NoError(t, os.Symlink("real", filepath.Join(dir, "rel")))
	require.NoError(t, os.Symlink(filepath.Join(dir, "real", "sub"), filepath.Join(dir, "abs")))

	got, err := Canonicalize(dir+"/rel/sub", AllMustExist, true)
	require.NoError(t, err)
	assert.Equal(t, dir+"/real/sub", got)

	got, err = Canonicalize(dir+"/abs/..", AllMustExist, true)
	require.NoError(t, err)
	assert.Equal(t, dir+"/real", got)

	// A trailing link is kept when not following.
	got, err = Canonicalize(dir+"/rel", AllMustExist, false)
	require.NoError(t, err)
	assert.Equal(t, dir+"/rel", got)

	// Intermediate links are expanded regardless.
	got, err = Canonicalize(dir+"/rel/sub", AllMustExist, false)
	require.NoError(t, err)
	assert.Equal(t, dir+"/real/sub", got)
}

func TestCanonicalizeTrailingSlash(t *testing.T) {
	dir := tempDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "real"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0o644))
	require.NoError(t, os.Symlink("real", filepath.Join(dir, "rel")))

	for _, mode := range []Mode{AllMustExist, AllButLastMustExist} {
		_, err := Canonicalize(dir+"/file/", mode, true)
		assert.Equal(t, unix.ENOTDIR, err, mode.String())
	}

	got, err := Canonicalize(dir+"/real/", AllMustExist, true)
	require.NoError(t, err)
	assert.Equal(t, dir+"/real", got)

	// A trailing slash expands a trailing link even when not following.
	got, err = Canonicalize(dir+"/rel/", AllMustExist, false)
	require.NoError(t, err)
	assert.Equal(t, dir+"/real", got)
}

func TestCanonicalizeLoop(t *testing.T) {
	dir := tempDir(t)
	require.NoError(t, os.Symlink("b", filepath.Join(dir, "a")))
	require.NoError(t, os.Symlink("a", filepath.Join(dir, "b")))

	for _, mode := range []Mode{AllMustExist, AllButLastMustExist, NoneMustExist} {
		_, err := Canonicalize(dir+"/a", mode, true)
		assert.Equal(t, unix.ELOOP, err, mode.String())
	}
}

func TestCanonicalizeChainBound(t *testing.T) {
	dir := tempDir(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "target"), 0o755))

	// link0 -> link1 -> ... -> link4 -> target
	const chain = 5
	for i := 0; i < chain; i++ {
		next := fmt.Sprintf("link%d", i+1)
		if i == chain-1 {
			next = "target"
		}
		require.NoError(t, os.Symlink(next, filepath.Join(dir, fmt.Sprintf("link%d", i))))
	}

	r := &Resolver{MaxSymlinks: chain}
	got, err := r.Canonicalize(dir+"/link0", AllMustExist, true)
	require.NoError(t, err)
	assert.Equal(t, dir+"/target", got)

	r = &Resolver{MaxSymlinks: chain - 1}
	_, err = r.Canonicalize(dir+"/link0", AllMustExist, true)
	assert.Equal(t, unix.ELOOP, err)
}

func TestCanonicalizeIdempotent(t *testing.T) {
	dir := tempDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "x", "y"), 0o755))
	require.NoError(t, os.Symlink("x/y", filepath.Join(dir, "l")))

	for _, p := range []string{dir + "/l", dir + "/x/../x/y/.", "/", dir} {
		once, err := Canonicalize(p, AllMustExist, true)
		require.NoError(t, err, p)
		twice, err := Canonicalize(once, AllMustExist, true)
		require.NoError(t, err, p)
		assert.Equal(t, once, twice, p)
	}
}

func TestProcRewrite(t *testing.T) {
	assert.Equal(t, "/proc/42", ProcRewrite("/proc/self", 42))
	assert.Equal(t, "/proc/42/fd/3", ProcRewrite("/proc/self/fd/3", 42))
	assert.Equal(t, "/proc/42/fd", ProcRewrite("/proc/thread-self/fd", 42))
	assert.Equal(t, "/proc/42/net/tcp", ProcRewrite("/proc/net/tcp", 42))
	assert.Equal(t, "/proc/42/mounts", ProcRewrite("/proc/mounts", 42))
	assert.Equal(t, "/proc/selfish", ProcRewrite("/proc/selfish", 42))
	assert.Equal(t, "/etc/passwd", ProcRewrite("/etc/passwd", 42))
}
