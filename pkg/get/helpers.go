package get

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// maxTempAttempts bounds the exclusive-create retry loop for a
// destination's temp sibling (§4.8 step 1: "retry up to 1000 times").
const maxTempAttempts = 1000

func randomName() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// createTemp exclusively creates a unique sibling of dest named
// `dest.<rand>`, retrying on collision.
func createTemp(dest string) (*os.File, string, error) {
	for i := 0; i < maxTempAttempts; i++ {
		tmp := dest + "." + randomName()
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err == nil {
			return f, tmp, nil
		}
		if !os.IsExist(err) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("get: could not create a temp file for %s after %d attempts", dest, maxTempAttempts)
}

// prepareDest applies the overwrite policy (§4.8 "Overwrite policy") for a
// single regular-file or symlink destination.
func prepareDest(dest string, force bool) error {
	info, err := os.Lstat(dest)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !force {
		return fmt.Errorf("get: %s already exists (use force to overwrite)", dest)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(dest)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return fmt.Errorf("get: %s is a non-empty directory", dest)
		}
		return os.Remove(dest)
	}
	return nil
}

// prepareDir applies the overwrite policy for a directory/snapshot
// destination: without force it may already exist only as an empty
// directory; under force an existing directory is restored into (entries
// are added or overwritten) and an existing non-directory is replaced.
func prepareDir(dest string, force bool) error {
	info, err := os.Lstat(dest)
	if os.IsNotExist(err) {
		return os.MkdirAll(dest, 0o755)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if !force {
			return fmt.Errorf("get: %s exists and is not a directory", dest)
		}
		if err := os.Remove(dest); err != nil {
			return err
		}
		return os.MkdirAll(dest, 0o755)
	}
	if !force {
		entries, err := os.ReadDir(dest)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return fmt.Errorf("get: %s is a non-empty directory (use force to restore into it)", dest)
		}
	}
	return nil
}

func mkdirParent(dest string) error {
	return os.MkdirAll(filepath.Dir(dest), 0o755)
}
