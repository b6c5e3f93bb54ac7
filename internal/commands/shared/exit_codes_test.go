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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

func TestCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", fmt.Errorf("boom"), ExitRunFailed},
		{"config error", &cascadeerrors.ConfigError{Key: "model", Reason: "missing"}, ExitInvalidRequest},
		{"validation error", &cascadeerrors.ValidationError{Field: "path", Message: "bad"}, ExitInvalidRequest},
		{"provider error", &cascadeerrors.ProviderError{Kind: cascadeerrors.KindServer, Message: "500"}, ExitProviderError},
		{"breaker open", &cascadeerrors.BreakerOpenError{RetryAt: time.Now()}, ExitProviderError},
		{"cancelled", &cascadeerrors.CancelledError{Step: "A1"}, ExitCancelled},
		{"wrapped config error", fmt.Errorf("starting: %w", &cascadeerrors.ConfigError{Key: "x", Reason: "y"}), ExitInvalidRequest},
		{"explicit exit error", &ExitError{Code: 7, Message: "custom"}, 7},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, CodeFor(tc.err))
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := &ExitError{Code: 1, Message: "run failed", Cause: fmt.Errorf("boom")}
	assert.Equal(t, "run failed: boom", err.Error())
	assert.EqualError(t, err.Unwrap(), "boom")
}
