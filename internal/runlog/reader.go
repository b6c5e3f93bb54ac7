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

package runlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// ReadState loads run_state.json for a previous run into out. A
// missing state file is a NotFoundError, which resume treats as "this
// run cannot be resumed".
func ReadState(logRoot, runID string, out any) error {
	path := filepath.Join(logRoot, runID, stateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cascadeerrors.NotFoundError{Resource: "run state", ID: runID}
		}
		return &cascadeerrors.StorageError{Op: "read run state", Cause: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &cascadeerrors.StorageError{Op: "decode run state", Cause: err}
	}
	return nil
}

// ReadManifest loads a named manifest written by WriteManifest.
func ReadManifest(logRoot, runID, name string, out any) error {
	path := filepath.Join(logRoot, runID, manifestsDir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cascadeerrors.NotFoundError{Resource: "manifest " + name, ID: runID}
		}
		return &cascadeerrors.StorageError{Op: "read manifest", Cause: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &cascadeerrors.StorageError{Op: "decode manifest", Cause: err}
	}
	return nil
}

// ReadEvents streams the event log of a previous run in order.
func ReadEvents(logRoot, runID string) ([]Event, error) {
	path := filepath.Join(logRoot, runID, eventsFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &cascadeerrors.NotFoundError{Resource: "event log", ID: runID}
		}
		return nil, &cascadeerrors.StorageError{Op: "open event log", Cause: err}
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, &cascadeerrors.StorageError{Op: "decode event line", Cause: err}
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, &cascadeerrors.StorageError{Op: "scan event log", Cause: err}
	}
	return events, nil
}

// ListRuns returns the run ids with a log directory under logRoot,
// newest first by directory name ordering.
func ListRuns(logRoot string) ([]string, error) {
	entries, err := os.ReadDir(logRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &cascadeerrors.StorageError{Op: "list runs", Cause: err}
	}

	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	// Run ids embed a DDMMYYYYHHMM timestamp, so plain name order is
	// not chronological; callers sort on the state's started_at.
	return runs, nil
}
