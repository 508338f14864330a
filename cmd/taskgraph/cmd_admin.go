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

	"github.com/spf13/cobra"

	"github.com/atlasforge/taskengine/engine"
)

func runClear(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		if err := e.ClearAllTasks(ctx, confirmFlag); err != nil {
			return err
		}
		fmt.Println("All tasks cleared")
		return nil
	})
}

func runRepair(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		res, err := e.RepairRelationships(ctx, dryRunFlag, patternFlag)
		if err != nil {
			return err
		}
		if dryRunFlag {
			fmt.Printf("Would fix %d issue(s)\n", len(res.Issues))
		} else {
			fmt.Printf("Fixed %d issue(s)\n", res.Fixed)
		}
		for _, issue := range res.Issues {
			fmt.Println("  -", issue)
		}
		return nil
	})
}

func runVacuum(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		if err := e.VacuumDatabase(ctx, analyzeFlag); err != nil {
			return err
		}
		fmt.Println("Maintenance complete")
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		stats := e.MemoryStats()
		fmt.Printf("Heap used:  %d bytes\n", stats.HeapUsed)
		fmt.Printf("Heap total: %d bytes\n", stats.HeapTotal)
		fmt.Printf("Sys:        %d bytes\n", stats.Sys)
		return nil
	})
}
