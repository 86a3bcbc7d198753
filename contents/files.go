// Package contents implements the raw file read/write primitive consumed by
// the file sync bridge.
package contents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LocalProvider reads and writes files on the local filesystem. Writes go
// through a temp file and rename so a poorly timed external reader never
// sees a half-written document.
type LocalProvider struct{}

func NewLocalProvider() LocalProvider { return LocalProvider{} }

func (LocalProvider) Read(ctx context.Context, path string) (string, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return "", time.Time{}, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return "", time.Time{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", time.Time{}, err
	}
	return string(raw), fi.ModTime(), nil
}

func (LocalProvider) Write(ctx context.Context, path string, content string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return time.Time{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return time.Time{}, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return time.Time{}, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

func (LocalProvider) Stat(ctx context.Context, path string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}
