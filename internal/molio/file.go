package molio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Open opens an SD file for reading, transparently decompressing ".gz" files.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open gzip %s: %w", path, err)
	}
	return &gzipReadCloser{Reader: zr, file: f}, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipReadCloser) Close() error {
	return errors.Join(g.Reader.Close(), g.file.Close())
}

// Each calls fn for every record in path. Malformed records are passed to
// onError (when non-nil) and skipped; any other read error aborts.
func Each(path string, fn func(*Record) error, onError func(error)) error {
	rc, err := Open(path)
	if err != nil {
		return err
	}
	defer rc.Close()

	rd := NewReader(rc)
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var perr *ParseError
		if errors.As(err, &perr) {
			if onError != nil {
				onError(err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// ReadAll loads every well-formed record of path.
func ReadAll(path string) ([]*Record, error) {
	var recs []*Record
	err := Each(path, func(r *Record) error {
		recs = append(recs, r)
		return nil
	}, nil)
	return recs, err
}

// WriteFile writes records to path atomically: the data goes to a temporary
// file in the same directory which is renamed into place once complete, so a
// reader never observes a partial file. ".gz" paths are gzip-compressed.
func WriteFile(path string, recs []*Record) error {
	return WriteAtomic(path, func(w io.Writer) error {
		for _, r := range recs {
			if err := Encode(w, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteAtomic streams content produced by fill into path via temp file + rename.
func WriteAtomic(path string, fill func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	var w io.Writer = tmp
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(tmp)
		w = zw
	}
	if err = fill(w); err != nil {
		return err
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return err
		}
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
