//go:build !unix

package assets

import "errors"

func freeBytes(string) (uint64, error) {
	return 0, errors.New("free space unavailable on this platform")
}
