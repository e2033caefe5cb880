package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"wabridge/pkg/session"
)

const (
	defaultDirName  = "auth_info"
	credentialsFile = "creds.json"
)

// FileStore keeps credentials as a JSON file inside a dedicated directory.
type FileStore struct {
	dir string
}

// NewFileStore resolves dir to an absolute path. An empty dir uses ./auth_info.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = defaultDirName
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials directory: %w", err)
	}

	return &FileStore{dir: filepath.Clean(abs)}, nil
}

// Dir returns the directory holding the credentials file.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path() string {
	return filepath.Join(s.dir, credentialsFile)
}

func (s *FileStore) Load(_ context.Context) (session.Credentials, error) {
	data, err := os.ReadFile(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return session.Credentials{}, nil
	}
	if err != nil {
		return session.Credentials{}, fmt.Errorf("%w: read %s: %v", ErrUnavailable, s.path(), err)
	}

	return decode(data)
}

// Save writes through a temp file and rename so readers never see a partial file.
func (s *FileStore) Save(_ context.Context, creds session.Credentials) error {
	data, err := encode(creds)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, credentialsFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}

	if err := os.Rename(tmpName, s.path()); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}

	return nil
}

// Delete removes the credentials file and any leftover temp files. The
// directory itself goes only when nothing else lives in it.
func (s *FileStore) Delete(_ context.Context) error {
	leftovers, err := filepath.Glob(filepath.Join(s.dir, credentialsFile+".*.tmp"))
	if err != nil {
		return fmt.Errorf("list temp credentials files: %w", err)
	}

	for _, name := range append([]string{s.path()}, leftovers...) {
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove credentials: %w", err)
		}
	}

	if err := os.Remove(s.dir); err != nil && !errors.Is(err, fs.ErrNotExist) && !isDirNotEmpty(err) {
		return fmt.Errorf("remove credentials directory: %w", err)
	}
	return nil
}

func isDirNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}
