//go:build linux || darwin

package errorlog

import "golang.org/x/sys/unix"

// freeBytes returns the space available to unprivileged users on dir's filesystem.
func freeBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
