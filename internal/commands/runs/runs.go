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

// Package runs lists recorded runs and shows their event streams.
package runs

import (
	"github.com/spf13/cobra"

	"github.com/tombee/cascade/internal/commands/shared"
	"github.com/tombee/cascade/internal/runlog"
	"github.com/tombee/cascade/internal/supervisor"
)

// NewCommand creates the runs command
func NewCommand() *cobra.Command {
	var workDir string
	var events string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Long:  `List the runs recorded under the working tree's LOG directory, newest first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if events != "" {
				return showEvents(cmd, workDir, events)
			}
			return listRuns(cmd, workDir)
		},
	}

	cmd.Flags().StringVar(&workDir, "root", ".", "Working tree holding the LOG directory")
	cmd.Flags().StringVar(&events, "events", "", "Print the event stream of one run id")

	return cmd
}

func listRuns(cmd *cobra.Command, workDir string) error {
	logRoot, err := shared.LogRoot(workDir)
	if err != nil {
		return err
	}

	sup := supervisor.New(logRoot, shared.NewLogger())
	states, err := sup.Runs()
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.PrintJSON(cmd, states)
	}

	if len(states) == 0 {
		cmd.Println("no runs recorded")
		return nil
	}
	for _, st := range states {
		cmd.Printf("%-24s %-9s %-9s %s\n", st.RunID, st.Mode, st.Status, st.StartedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func showEvents(cmd *cobra.Command, workDir, runID string) error {
	logRoot, err := shared.LogRoot(workDir)
	if err != nil {
		return err
	}

	events, err := runlog.ReadEvents(logRoot, runID)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.PrintJSON(cmd, events)
	}

	for _, ev := range events {
		cmd.Printf("%5d  %s  %-16s %-20s %s\n",
			ev.Seq, ev.Timestamp.Format("15:04:05"), ev.Type, ev.Step, ev.Message)
	}
	return nil
}
