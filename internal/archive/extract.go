package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
)

// Limits bound what Extract accepts.
type Limits struct {
	MaxFiles int
	MaxBytes int64
}

// DefaultLimits are applied when Extract is given a zero Limits.
var DefaultLimits = Limits{MaxFiles: 20000, MaxBytes: 512 << 20}

// Result summarises an extraction.
type Result struct {
	Files int
	Bytes int64
	// Unwrapped names the single top-level directory that was stripped, if any.
	Unwrapped string
}

// Extract unpacks a zip archive into dest. Entries that would land outside dest
// are rejected. When every entry sits under one top-level directory, that
// directory is stripped so the project root lands directly in dest.
func Extract(data []byte, dest string, limits Limits) (Result, error) {
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = DefaultLimits.MaxFiles
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultLimits.MaxBytes
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, errors.WrapError(err, errors.CategoryValidation, "archive is not a valid zip file").
			UserAction().Build()
	}

	prefix := commonRoot(zr.File)
	res := Result{Unwrapped: strings.TrimSuffix(prefix, "/")}

	root, err := filepath.Abs(dest)
	if err != nil {
		return res, fmt.Errorf("resolve destination: %w", err)
	}

	for _, f := range zr.File {
		name := strings.TrimPrefix(normalize(f.Name), prefix)
		if name == "" || isJunk(name) {
			continue
		}

		target := filepath.Join(root, filepath.FromSlash(name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return res, errors.ValidationError("archive entry escapes the project directory").
				WithContext("entry", f.Name).Build()
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return res, fmt.Errorf("create directory %s: %w", name, err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			// Symlinks and devices are skipped.
			continue
		}

		res.Files++
		if res.Files > limits.MaxFiles {
			return res, errors.ValidationError("archive has too many files").
				WithContext("max_files", limits.MaxFiles).Build()
		}
		n, err := writeEntry(f, target, limits.MaxBytes-res.Bytes)
		res.Bytes += n
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func writeEntry(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", f.Name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, errors.WrapError(err, errors.CategoryValidation, "corrupt archive entry").
			WithContext("entry", f.Name).Build()
	}
	defer rc.Close()

	// #nosec G304 - target was checked to be inside the destination root
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", f.Name, err)
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	closeErr := out.Close()
	if err != nil {
		return n, errors.WrapError(err, errors.CategoryValidation, "corrupt archive entry").
			WithContext("entry", f.Name).Build()
	}
	if n > budget {
		return n, errors.ValidationError("archive exceeds the size limit").Build()
	}
	if closeErr != nil {
		return n, fmt.Errorf("close %s: %w", f.Name, closeErr)
	}
	return n, nil
}

func normalize(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return strings.TrimPrefix(name, "./")
}

func isJunk(name string) bool {
	return strings.HasPrefix(name, "__MACOSX/") || path.Base(name) == ".DS_Store"
}

// commonRoot returns "dir/" when every meaningful entry lives under the same top-level directory.
func commonRoot(files []*zip.File) string {
	root := ""
	for _, f := range files {
		name := normalize(f.Name)
		if name == "" || isJunk(name) {
			continue
		}
		top, _, found := strings.Cut(name, "/")
		if !found {
			return "" // a file at the archive root
		}
		if root == "" {
			root = top
		} else if top != root {
			return ""
		}
	}
	if root == "" || root == ".." {
		return ""
	}
	return root + "/"
}
