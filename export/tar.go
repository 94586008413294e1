package export

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	tarDirMode  = 0o755
	tarFileMode = 0o644
)

var epoch = time.Unix(0, 0).UTC()

// WriteTar streams the tree under dir as an uncompressed tar archive.
//
// Entries are written in lexical order with fixed modes, zero owners and
// epoch timestamps, so the same tree always yields the same bytes.
// Symbolic links are followed and archived as the files they point to.
func WriteTar(ctx context.Context, dir string, w io.Writer) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(dir, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		switch {
		case info.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     tarDirMode,
				ModTime:  epoch,
			})
		case info.Mode().IsRegular():
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Mode:     tarFileMode,
				Size:     info.Size(),
				ModTime:  epoch,
			}); err != nil {
				return err
			}
			return copyInto(tw, path)
		default:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("write tar: %w", err)
	}
	return tw.Close()
}

func copyInto(w io.Writer, path string) error {
	f, err := os.Open(path) //nolint:gosec // path comes from walking the work directory
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
