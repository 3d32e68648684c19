package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/config"
	"github.com/sushant-115/gojodtx/core/index"
)

// loadIndexes restores the index configurations persisted in dir, creates
// the declared indexes that are missing and writes every configuration back.
func loadIndexes(db *index.Database, dir string, declared []config.IndexConfig, logger *zap.Logger) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create index directory %s: %w", dir, err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return err
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read index configuration %s: %w", f, err)
		}
		cfg, err := index.ParseConfiguration(data)
		if err != nil {
			return fmt.Errorf("index configuration %s: %w", f, err)
		}
		if _, err := db.LoadIndex(cfg); err != nil {
			return fmt.Errorf("load index from %s: %w", f, err)
		}
		logger.Info("Loaded index", zap.String("index", cfg.Name), zap.String("type", cfg.Type))
	}

	for _, ic := range declared {
		if _, ok := db.Index(ic.Name); ok {
			continue
		}
		typ, err := index.ParseType(ic.Type)
		if err != nil {
			return err
		}
		var def *index.Definition
		if len(ic.KeyTypes) > 0 {
			def = &index.Definition{KeyTypes: ic.KeyTypes}
		}
		meta := index.NewMetadata(ic.Name, def, ic.Clusters, typ, index.DefaultAlgorithm, index.DefaultValueContainerAlgorithm)
		if _, err := db.CreateIndex(meta); err != nil {
			return fmt.Errorf("create index %s: %w", ic.Name, err)
		}
		logger.Info("Created index", zap.String("index", ic.Name), zap.String("type", string(typ)))
	}

	for _, cfg := range db.Configurations() {
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(cfg.Name) + ".json"
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return fmt.Errorf("persist index configuration %s: %w", cfg.Name, err)
		}
	}
	return nil
}
