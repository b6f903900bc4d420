//go:build linux

package trace

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

/**
 * ProcStatus holds the fields of /proc/<tid>/status the supervisor uses.
 */
type ProcStatus struct {
	Name string
	Tgid int
	PPid int
}

/**
 * ReadProcStatus parses /proc/<tid>/status.
 * @param tid the thread id
 * @return the parsed status, or ErrVanished
 */
func ReadProcStatus(tid int) (*ProcStatus, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", tid))
	if err != nil {
		return nil, procErr(err)
	}
	defer f.Close()

	st := &ProcStatus{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "Name":
			st.Name = val
		case "Tgid":
			st.Tgid, _ = strconv.Atoi(val)
		case "PPid":
			st.PPid, _ = strconv.Atoi(val)
		}
	}
	return st, sc.Err()
}

/**
 * ProcComm returns the command name of a thread.
 */
func ProcComm(tid int) (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", tid))
	if err != nil {
		return "", procErr(err)
	}
	return strings.TrimSuffix(string(b), "\n"), nil
}

/**
 * ProcCwd returns the working directory of a thread.
 */
func ProcCwd(tid int) (string, error) {
	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", tid))
	if err != nil {
		return "", procErr(err)
	}
	return cwd, nil
}

/**
 * ProcFd returns the path an open file descriptor of a thread points to.
 * A missing descriptor yields EBADF.
 */
func ProcFd(tid int, fd int) (string, error) {
	if fd < 0 {
		return "", unix.EBADF
	}
	p, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", tid, fd))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, serr := os.Stat(fmt.Sprintf("/proc/%d", tid)); serr != nil {
				return "", ErrVanished
			}
			return "", unix.EBADF
		}
		return "", procErr(err)
	}
	return p, nil
}

/**
 * ProcEnviron returns the environment of a thread.
 */
func ProcEnviron(tid int) ([]string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", tid))
	if err != nil {
		return nil, procErr(err)
	}
	var env []string
	for _, kv := range bytes.Split(b, []byte{0}) {
		if len(kv) > 0 {
			env = append(env, string(kv))
		}
	}
	return env, nil
}

func procErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ESRCH) {
		return ErrVanished
	}
	return err
}
