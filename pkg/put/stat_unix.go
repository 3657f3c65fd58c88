//go:build unix

package put

import (
	"os"
	"syscall"
)

// fileOwner extracts the uid/gid §3's RawFile carries, when the platform's
// os.FileInfo.Sys() exposes them.
func fileOwner(info os.FileInfo) (uid, gid uint32) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Uid, st.Gid
	}
	return 0, 0
}
