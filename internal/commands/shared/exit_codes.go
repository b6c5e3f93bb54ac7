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

import (
	"errors"
	"fmt"
	"os"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// Exit codes for the cascade CLI
const (
	ExitSuccess        = 0
	ExitRunFailed      = 1
	ExitInvalidRequest = 2
	ExitProviderError  = 4
	ExitCancelled      = 130 // 128 + SIGINT
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// CodeFor maps an error to the exit code it deserves.
func CodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var (
		configErr     *cascadeerrors.ConfigError
		validationErr *cascadeerrors.ValidationError
		providerErr   *cascadeerrors.ProviderError
		breakerErr    *cascadeerrors.BreakerOpenError
		cancelledErr  *cascadeerrors.CancelledError
	)
	switch {
	case errors.As(err, &configErr), errors.As(err, &validationErr):
		return ExitInvalidRequest
	case errors.As(err, &providerErr), errors.As(err, &breakerErr):
		return ExitProviderError
	case errors.As(err, &cancelledErr):
		return ExitCancelled
	default:
		return ExitRunFailed
	}
}

// HandleExitError prints the error and exits with the mapped code.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())

	var validationErr *cascadeerrors.ValidationError
	if errors.As(err, &validationErr) && validationErr.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", validationErr.Suggestion)
	}

	os.Exit(CodeFor(err))
}
