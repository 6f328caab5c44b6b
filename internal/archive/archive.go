// Copyright The overlay Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package archive extracts a top tree supplied as a .tar or .tar.zst file
// instead of a plain directory, so a caller can ship a prebuilt overlay as
// a single compressed artifact.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// IsArchive reports whether path names a file this package knows how to
// extract, based on its suffix.
func IsArchive(path string) bool {
	return findExtractor(path) != nil
}

func findExtractor(path string) func(io.Reader, string) error {
	switch {
	case strings.HasSuffix(path, ".tar.zst"):
		return extractTarZstd
	case strings.HasSuffix(path, ".tar"):
		return extractTar
	default:
		return nil
	}
}

// Extract unpacks src into dest, which must already exist. The extractor
// is chosen from src's suffix; IsArchive should be checked first.
func Extract(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	fn := findExtractor(src)
	if fn == nil {
		return fmt.Errorf("%s: unrecognized archive suffix", src)
	}
	return fn(f, dest)
}

func extractTarZstd(r io.Reader, dest string) error {
	decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return err
	}
	defer decoder.Close()
	return extractTar(decoder, dest)
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decoding tar: %w", err)
		}

		path := filepath.Join(dest, header.Name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, fs.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("mkdir %s: %w", path, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
			}
			out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(header.Mode).Perm())
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			_, err = io.Copy(out, tr)
			out.Close()
			if err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, path); err != nil {
				return fmt.Errorf("symlink %s -> %s: %w", path, header.Linkname, err)
			}
		default:
			return fmt.Errorf("%s: unsupported tar entry type %#x", header.Name, header.Typeflag)
		}
	}
}
