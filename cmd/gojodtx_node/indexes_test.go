package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/config"
	"github.com/sushant-115/gojodtx/core/index"
)

func TestLoadIndexes_CreatesAndPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "indexes")
	declared := []config.IndexConfig{
		{Name: "users.email", Type: "UNIQUE", KeyTypes: []string{"STRING"}},
		{Name: "users.tags", Type: "NOTUNIQUE"},
	}

	db := index.NewDatabase("n1", index.NewBTreeEngine(8), nil, zap.NewNop())
	require.NoError(t, loadIndexes(db, dir, declared, zap.NewNop()))
	assert.Len(t, db.Indexes(), 2)
	_, err := os.Stat(filepath.Join(dir, "users.email.json"))
	require.NoError(t, err)

	// A restart restores from disk even when nothing is declared.
	restarted := index.NewDatabase("n1", index.NewBTreeEngine(8), nil, zap.NewNop())
	require.NoError(t, loadIndexes(restarted, dir, nil, zap.NewNop()))
	ix, ok := restarted.Index("users.email")
	require.True(t, ok)
	assert.Equal(t, index.TypeUnique, ix.Metadata().Type())
	_, ok = restarted.Index("users.tags")
	assert.True(t, ok)
}

func TestLoadIndexes_RejectsUnknownType(t *testing.T) {
	db := index.NewDatabase("n1", index.NewBTreeEngine(8), nil, zap.NewNop())
	err := loadIndexes(db, t.TempDir(), []config.IndexConfig{{Name: "x", Type: "SPATIAL"}}, zap.NewNop())
	require.Error(t, err)
}

func TestLoadIndexes_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o600))
	db := index.NewDatabase("n1", index.NewBTreeEngine(8), nil, zap.NewNop())
	require.Error(t, loadIndexes(db, dir, nil, zap.NewNop()))
}
