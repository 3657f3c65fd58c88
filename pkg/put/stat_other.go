//go:build !unix

package put

import "os"

// fileOwner has no portable equivalent outside Unix; entries are recorded
// with uid/gid 0.
func fileOwner(info os.FileInfo) (uid, gid uint32) {
	return 0, 0
}
