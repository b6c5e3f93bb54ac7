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

package httpclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestDuration tracks Provider request latency by method and outcome.
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cascade_http_request_duration_seconds",
			Help:    "Duration of outbound HTTP requests in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "status"},
	)

	// retriesTotal counts retry attempts (not counting the initial try).
	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_http_retries_total",
			Help: "Total number of HTTP request retries",
		},
		[]string{"method"},
	)

	// breakerOpens counts circuit breaker open transitions.
	breakerOpens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_http_breaker_opens_total",
			Help: "Total number of circuit breaker open transitions",
		},
	)

	// breakerRejections counts requests refused by an open breaker.
	breakerRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_http_breaker_rejections_total",
			Help: "Total number of requests rejected by an open circuit breaker",
		},
	)
)
