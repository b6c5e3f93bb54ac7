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

package shared

// Persistent flags shared by every cascade subcommand. The root command
// binds them once through RegisterFlagPointers; commands read them
// through the getters below.
var (
	verboseFlag bool
	quietFlag   bool
	jsonFlag    bool
	configFlag  string
)

// Build metadata, stamped by the linker and surfaced by the version
// command.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers hands the root command the flag storage in
// verbose, quiet, json, config order.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &verboseFlag, &quietFlag, &jsonFlag, &configFlag
}

// SetVersion records the build metadata passed down from main.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns the version, commit and build date.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetVerbose reports whether --verbose was given.
func GetVerbose() bool { return verboseFlag }

// GetQuiet reports whether --quiet was given.
func GetQuiet() bool { return quietFlag }

// GetJSON reports whether --json output was requested.
func GetJSON() bool { return jsonFlag }

// GetConfigPath returns the --config override, or "" for the default
// lookup.
func GetConfigPath() string { return configFlag }

// SetConfigPathForTest points config loading at a fixture file.
func SetConfigPathForTest(path string) {
	configFlag = path
}
