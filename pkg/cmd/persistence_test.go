package cmd

import (
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/nurture/pkg/persistence/file"
	"github.com/dukex/nurture/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		p, err := NewPersistence(ctx, slog.Default(), "memory://")
		require.NoError(t, err)
		assert.IsType(t, &memory.Store{}, p)
	})

	t.Run("file", func(t *testing.T) {
		p, err := NewPersistence(ctx, slog.Default(), "file://"+t.TempDir())
		require.NoError(t, err)
		assert.IsType(t, &file.Persistence{}, p)
	})

	t.Run("bare path is a file store", func(t *testing.T) {
		p, err := NewPersistence(ctx, slog.Default(), t.TempDir())
		require.NoError(t, err)
		assert.IsType(t, &file.Persistence{}, p)
	})

	t.Run("file without directory", func(t *testing.T) {
		_, err := NewPersistence(ctx, slog.Default(), "file://")
		assert.Error(t, err)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := NewPersistence(ctx, slog.Default(), "mongodb://localhost")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mongodb")
	})
}

func TestParsePersistenceProvider(t *testing.T) {
	tests := []struct {
		url      string
		provider string
		rest     string
	}{
		{"memory://", "memory", ""},
		{"file:///var/lib/nurture", "file", "/var/lib/nurture"},
		{"postgres://user@host/db", "postgres", "user@host/db"},
		{"./data", "file", "./data"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			provider, rest := parsePersistenceProvider(tt.url)
			assert.Equal(t, tt.provider, provider)
			assert.Equal(t, tt.rest, rest)
		})
	}
}
