//go:build linux || darwin || freebsd

package device

import "golang.org/x/sys/unix"

func nodename() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uts.Nodename[:]), nil
}
