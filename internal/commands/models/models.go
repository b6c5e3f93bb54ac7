// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package models lists the Provider's models and their probed
// capabilities.
package models

import (
	"github.com/spf13/cobra"

	"github.com/tombee/cascade/internal/capability"
	"github.com/tombee/cascade/internal/commands/shared"
)

// NewCommand creates the models command
func NewCommand() *cobra.Command {
	var probe string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List available models",
		Long: `List the models the Provider offers. With --probe <model>, force a
fresh capability probe for that model and print the result.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, probe)
		},
	}

	cmd.Flags().StringVar(&probe, "probe", "", "Force a capability probe for this model")

	return cmd
}

func runModels(cmd *cobra.Command, probe string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	client, err := shared.BuildClient(cfg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if probe != "" {
		record, err := capability.Probe(ctx, client, probe)
		if err != nil {
			return err
		}

		capPath, err := cfg.CapabilityCachePath()
		if err != nil {
			return err
		}
		store := capability.NewStore(capPath, cfg.Capability.TTL, shared.NewLogger())
		if err := store.Put(record); err != nil {
			return err
		}

		if shared.GetJSON() {
			return shared.PrintJSON(cmd, record)
		}
		cmd.Printf("%s: chaining=%t temperature=%t file_search=%t\n",
			record.Model, record.Chaining, record.Temperature, record.FileSearch)
		return nil
	}

	models, err := client.ListModels(ctx)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.PrintJSON(cmd, models)
	}
	for _, m := range models {
		cmd.Printf("%-32s %s\n", m.ID, m.OwnedBy)
	}
	return nil
}
