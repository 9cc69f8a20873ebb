// Package archive zips and unzips study trees. Zip entries are stored with
// paths relative to the tree root so an archive opens the same way on every
// target.
package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
)

var (
	ErrArchive apperrors.Error = apperrors.New("archive error")
	ErrZipSlip apperrors.Error = ErrArchive.New("archive entry escapes destination")
)

// ZipDir writes a zip of srcDir at zipPath.
func ZipDir(srcDir, zipPath string) apperrors.Error {
	out, err := os.Create(zipPath)
	if err != nil {
		return ErrArchive.New("unable to create zip file " + zipPath).Err(err)
	}
	defer out.Close()

	w := zip.NewWriter(out)
	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		entry, err := w.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	})
	if walkErr != nil {
		w.Close()
		return ErrArchive.New("unable to zip " + srcDir).Err(walkErr)
	}
	if err := w.Close(); err != nil {
		return ErrArchive.New("unable to finalize zip " + zipPath).Err(err)
	}
	return nil
}

// Unzip extracts archive bytes into destDir.
func Unzip(data []byte, destDir string) apperrors.Error {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ErrArchive.New("unable to open archive").Err(err)
	}

	for _, f := range r.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return ErrZipSlip.New("suspicious entry " + f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return ErrArchive.Err(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return ErrArchive.Err(err)
		}
		src, err := f.Open()
		if err != nil {
			return ErrArchive.New("unable to open entry " + f.Name).Err(err)
		}
		dst, err := os.Create(target)
		if err != nil {
			src.Close()
			return ErrArchive.New("unable to create " + target).Err(err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			dst.Close()
			return ErrArchive.New("unable to extract " + f.Name).Err(err)
		}
		src.Close()
		dst.Close()
	}
	return nil
}
