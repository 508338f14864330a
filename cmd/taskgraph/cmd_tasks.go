// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/atlasforge/taskengine/batch"
	"github.com/atlasforge/taskengine/engine"
	"github.com/atlasforge/taskengine/task"
)

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		in := &task.CreateInput{
			Path:         args[0],
			Name:         taskName,
			Description:  taskDesc,
			Type:         task.Type(taskType),
			ParentPath:   taskParent,
			Dependencies: taskDeps,
			Notes:        taskNotes,
		}
		created, err := e.CreateTask(ctx, in)
		if err != nil {
			return err
		}
		return printJSON(created)
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		t, err := e.GetTaskByPath(ctx, args[0])
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("no task at %s", args[0])
		}
		return printJSON(t)
	})
}

func runList(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		var (
			tasks []*task.Task
			err   error
		)
		if statusFlag != "" {
			tasks, err = e.GetTasksByStatus(ctx, task.Status(statusFlag), limitFlag, offsetFlag)
		} else {
			pattern := "*"
			if len(args) > 0 {
				pattern = args[0]
			}
			tasks, err = e.ListTasks(ctx, pattern, limitFlag, offsetFlag)
		}
		if err != nil {
			return err
		}
		return printJSON(tasks)
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		results, err := e.UpdateTaskStatuses(ctx, []batch.StatusUpdate{
			{Path: args[0], Status: task.Status(args[1])},
		})
		if err != nil {
			return err
		}
		return printJSON(results[0])
	})
}

func runDeps(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		results, err := e.UpdateTaskDependencies(ctx, []batch.DependencyUpdate{
			{Path: args[0], Dependencies: args[1:]},
		})
		if err != nil {
			return err
		}
		return printJSON(results[0])
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		if err := e.DeleteTask(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s and its subtree\n", args[0])
		return nil
	})
}

func runBulk(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(bulkFile)
	if err != nil {
		return fmt.Errorf("read operations file: %w", err)
	}
	var ops []task.Operation
	if err := yaml.Unmarshal(data, &ops); err != nil {
		return fmt.Errorf("parse operations file: %w", err)
	}
	return withEngine(func(ctx context.Context, e *engine.Engine) error {
		if err := e.BulkTaskOperations(ctx, ops); err != nil {
			return err
		}
		fmt.Printf("Applied %d operations\n", len(ops))
		return nil
	})
}
