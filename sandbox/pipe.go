//go:build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

/**
 * Create a pipe between the supervisor and the helper. The pipe is
 * created with the O_CLOEXEC flag, the read end reaches the helper
 * through ExtraFiles only.
 * @return read and write file descriptors of the pipe, or an error if any
 */
func MakeSyncPipe() (int, int, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return p[0], p[1], nil
}

/**
 * Send the child spec to the helper and close the write end of the pipe.
 * @param wfd the write file descriptor of the pipe
 * @param spec the spec to send
 * @return error if any
 */
func SendSpec(wfd int, spec *ChildSpec) error {
	f := os.NewFile(uintptr(wfd), "spec")
	err := json.NewEncoder(f).Encode(spec)
	cerr := f.Close()
	if err != nil {
		return fmt.Errorf("send child spec: %w", err)
	}
	return cerr
}

/**
 * Read the child spec sent by the supervisor and close the read end
 * of the pipe.
 * @param rfd the read file descriptor of the pipe
 * @return the spec, or an error if any
 */
func ReadSpec(rfd int) (*ChildSpec, error) {
	f := os.NewFile(uintptr(rfd), "spec")
	defer f.Close()

	var spec ChildSpec
	if err := json.NewDecoder(f).Decode(&spec); err != nil {
		return nil, fmt.Errorf("read child spec: %w", err)
	}
	return &spec, nil
}
