package upload

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store writes uploaded files into a single flat directory. Files with the
// same sanitised name overwrite each other.
type Store struct {
	dir string
}

// NewStore creates dir if it does not exist.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Saved describes a file written by Save.
type Saved struct {
	Name string
	// Path is the file location on disk.
	Path string
	// ImagePath is the URL path of the file without the leading slash.
	ImagePath string
}

// Save writes the uploaded file verbatim under its sanitised name.
func (s *Store) Save(fh *multipart.FileHeader) (*Saved, error) {
	name := SecureFilename(fh.Filename)
	if name == "" {
		name = uuid.NewString()
		if ext := SecureFilename(strings.TrimPrefix(filepath.Ext(fh.Filename), ".")); ext != "" {
			name += "." + ext
		}
	}

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	dst := filepath.Join(s.dir, name)
	out, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return nil, fmt.Errorf("write %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", dst, err)
	}

	return &Saved{
		Name:      name,
		Path:      dst,
		ImagePath: path.Join(strings.TrimPrefix(URLPath(s.dir), "/"), name),
	}, nil
}

// DefaultURLPrefix serves upload directories that are not a relative path
// inside the working directory.
const DefaultURLPrefix = "/uploads"

// URLPath returns the URL prefix under which dir is served. Relative
// directories keep their path, anything else is served at DefaultURLPrefix.
func URLPath(dir string) string {
	if filepath.IsAbs(dir) {
		return DefaultURLPrefix
	}
	clean := filepath.ToSlash(filepath.Clean(dir))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return DefaultURLPrefix
	}
	return "/" + clean
}
