// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	storePath  string
	inMemory   bool
	quiet      bool

	taskName    string
	taskDesc    string
	taskType    string
	taskParent  string
	taskDeps    []string
	taskNotes   []string
	limitFlag   int
	offsetFlag  int
	statusFlag  string
	confirmFlag bool
	dryRunFlag  bool
	analyzeFlag bool
	bulkFile    string
	patternFlag string

	rootCmd = &cobra.Command{
		Use:   "taskgraph",
		Short: "A cli to manage hierarchical task graphs",
		Long: `Taskgraph manages a persistent hierarchy of tasks with
					dependencies, derived container statuses, and atomic bulk operations.`,
	}

	// --- Task CRUD ---
	createCmd = &cobra.Command{
		Use:   "create [path]",
		Short: "Create a task at the given path",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreate, // Defined in cmd_tasks.go
	}
	getCmd = &cobra.Command{
		Use:   "get [path]",
		Short: "Print the task at the given path as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet, // Defined in cmd_tasks.go
	}
	listCmd = &cobra.Command{
		Use:   "list [pattern]",
		Short: "List tasks matching a glob pattern (default: everything)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runList, // Defined in cmd_tasks.go
	}
	statusCmd = &cobra.Command{
		Use:   "status [path] [new-status]",
		Short: "Transition a task to a new status",
		Args:  cobra.ExactArgs(2),
		RunE:  runStatus, // Defined in cmd_tasks.go
	}
	depsCmd = &cobra.Command{
		Use:   "deps [path] [dependency...]",
		Short: "Replace a task's dependency list",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDeps, // Defined in cmd_tasks.go
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [path]",
		Short: "Delete a task and its whole subtree",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete, // Defined in cmd_tasks.go
	}
	bulkCmd = &cobra.Command{
		Use:   "bulk",
		Short: "Apply a YAML file of create/update/delete operations atomically",
		RunE:  runBulk, // Defined in cmd_tasks.go
	}

	// --- Administration ---
	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "DANGER: Delete every task (requires --confirm)",
		RunE:  runClear, // Defined in cmd_admin.go
	}
	repairCmd = &cobra.Command{
		Use:   "repair",
		Short: "Repair parent/subtask relationships across the store",
		RunE:  runRepair, // Defined in cmd_admin.go
	}
	vacuumCmd = &cobra.Command{
		Use:   "vacuum",
		Short: "Run storage maintenance (GC, optional compaction, checkpoint)",
		RunE:  runVacuum, // Defined in cmd_admin.go
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print memory usage of the engine process",
		RunE:  runStats, // Defined in cmd_admin.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "Path to the task store directory")
	rootCmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false, "Use a non-persistent in-memory store")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress log output")

	createCmd.Flags().StringVarP(&taskName, "name", "n", "", "Task name (required)")
	createCmd.Flags().StringVarP(&taskDesc, "description", "d", "", "Task description")
	createCmd.Flags().StringVarP(&taskType, "type", "t", "", "Task type: TASK, MILESTONE, or GROUP")
	createCmd.Flags().StringVar(&taskParent, "parent", "", "Parent task path")
	createCmd.Flags().StringSliceVar(&taskDeps, "dep", nil, "Dependency path (repeatable)")
	createCmd.Flags().StringSliceVar(&taskNotes, "note", nil, "Note (repeatable)")
	_ = createCmd.MarkFlagRequired("name")

	listCmd.Flags().IntVar(&limitFlag, "limit", 0, "Maximum number of results (0 = unlimited)")
	listCmd.Flags().IntVar(&offsetFlag, "offset", 0, "Number of results to skip")
	listCmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status instead of pattern")

	bulkCmd.Flags().StringVarP(&bulkFile, "file", "f", "", "YAML file of operations (required)")
	_ = bulkCmd.MarkFlagRequired("file")

	clearCmd.Flags().BoolVar(&confirmFlag, "confirm", false, "Really delete everything")
	repairCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Report issues without writing fixes")
	repairCmd.Flags().StringVar(&patternFlag, "pattern", "*", "Path pattern to report on")
	vacuumCmd.Flags().BoolVar(&analyzeFlag, "analyze", false, "Also run a compaction pass")

	rootCmd.AddCommand(createCmd, getCmd, listCmd, statusCmd, depsCmd, deleteCmd, bulkCmd)
	rootCmd.AddCommand(clearCmd, repairCmd, vacuumCmd, statsCmd)
}
