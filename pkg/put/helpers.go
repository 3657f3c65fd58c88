package put

import (
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

func timeMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// rootEntryName normalizes an absolute source path into the form a
// snapshot's synthetic root directory stores it under: the leading
// separator stripped, and on Windows a drive letter folded into a leading
// path component (`C:\x` becomes `/c/x` becomes `c/x`).
func rootEntryName(path string) string {
	p := filepath.ToSlash(path)
	if len(p) >= 2 && p[1] == ':' {
		p = "/" + strings.ToLower(p[:1]) + p[2:]
	}
	return strings.TrimPrefix(p, "/")
}

// bigBufferSize and smallBufferSize size the read buffer fed to the
// splitter: large for the bounded set of concurrent "big" files, small
// otherwise (§4.7 step 2).
func bigBufferSize(max uint32) int   { return int(max) * 16 }
func smallBufferSize(max uint32) int { return int(max) * 2 }

func randomName() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
