package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DirStore writes recordings into a local directory.
type DirStore struct {
	Dir string
}

func (d *DirStore) Name() string { return "dir:" + d.Dir }

// Put writes to a temporary name and renames, so a reader never sees a
// partial recording.
func (d *DirStore) Put(_ context.Context, key string, r io.ReadSeeker, size int64) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(d.Dir, filepath.Base(key))
	tmp, err := os.CreateTemp(d.Dir, ".incoming-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("short copy: %d of %d bytes", n, size)
	}
	return os.Rename(tmp.Name(), dst)
}
