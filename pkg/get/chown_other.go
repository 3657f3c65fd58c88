//go:build !unix

package get

import "fmt"

func chown(path string, uid, gid uint32) error {
	return fmt.Errorf("get: chown is not supported on this platform")
}
