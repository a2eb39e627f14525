package zip

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
)

// Entry is one archive member. Data is used when Path is empty.
type Entry struct {
	Name string
	Path string
	Data []byte
}

// Write streams entries into a zip archive on w. Entries whose file cannot
// be opened abort the archive.
func Write(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		if err := add(zw, e); err != nil {
			_ = zw.Close()
			return err
		}
	}
	return zw.Close()
}

func add(zw *zip.Writer, e Entry) error {
	dst, err := zw.Create(e.Name)
	if err != nil {
		return fmt.Errorf("zip: create %s: %w", e.Name, err)
	}
	if e.Path == "" {
		_, err = dst.Write(e.Data)
		return err
	}
	f, err := os.Open(e.Path)
	if err != nil {
		return fmt.Errorf("zip: open %s: %w", e.Name, err)
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}
