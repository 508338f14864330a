// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/atlasforge/taskengine/engine"
	"github.com/atlasforge/taskengine/pkg/logging"
	"github.com/atlasforge/taskengine/storage/badgerstore"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withEngine opens the store and engine from flags/config, runs fn, and
// tears everything down afterwards.
func withEngine(fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx := context.Background()

	cfg := engine.DefaultConfig()
	if configPath != "" {
		loaded, err := engine.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}
	if inMemory {
		cfg.InMemory = true
	}

	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "taskgraph",
		Quiet:   quiet,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	sCfg := badgerstore.DefaultConfig(cfg.StorePath)
	if cfg.InMemory {
		sCfg = badgerstore.InMemoryConfig()
	}
	sCfg.Logger = logger.Logger

	store, err := badgerstore.Open(sCfg)
	if err != nil {
		return err
	}
	e := engine.New(store, cfg, logger.Logger)
	defer e.Close()

	return fn(ctx, e)
}
