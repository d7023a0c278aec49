//go:build !(linux || darwin || freebsd)

package device

import "errors"

func nodename() (string, error) {
	return "", errors.New("uname not available on this platform")
}
