// Package file provides file-based persistence: the in-memory store written through to a
// JSON document after every mutation.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/persistence/memory"
)

const dataFile = "nurture.json"

// Persistence implements persistence.Persistence on top of a JSON file.
type Persistence struct {
	*memory.Store

	root string
}

// NewPersistence opens (or creates) the store under root. A "file://" prefix is accepted.
func NewPersistence(root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	if err := os.MkdirAll(cleanRoot, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	snapshot, err := load(filepath.Join(cleanRoot, dataFile))
	if err != nil {
		return nil, err
	}

	fp := &Persistence{root: cleanRoot}
	fp.Store = memory.NewStore(memory.WithSnapshot(snapshot), memory.WithCommit(fp.write))

	return fp, nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func load(path string) (*memory.Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var snapshot memory.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return &snapshot, nil
}

// write replaces the data file atomically.
func (fp *Persistence) write(snapshot *memory.Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	tmp, err := os.CreateTemp(fp.root, dataFile+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write store: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close store: %w", err)
	}

	return os.Rename(tmp.Name(), filepath.Join(fp.root, dataFile))
}

var _ persistence.Persistence = (*Persistence)(nil)
