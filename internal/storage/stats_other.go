//go:build !(linux || darwin || freebsd)

package storage

import "errors"

func availableBytes(string) (int64, error) {
	return 0, errors.New("free space reporting not supported on this platform")
}
