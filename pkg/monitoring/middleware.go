// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitoring

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// REQUEST INSTRUMENTATION
// =============================================================================

// Middleware instruments every request: requests_total and
// request_duration labelled by method/route/status, requests_active
// while in flight, requests_errors on 4xx/5xx responses.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		s.metrics.Set("requests_active", float64(atomic.AddInt64(&s.activeReqs, 1)), nil)

		c.Next()

		s.metrics.Set("requests_active", float64(atomic.AddInt64(&s.activeReqs, -1)), nil)

		route := c.FullPath()
		if route == "" {
			// Unmatched routes collapse into one series instead of one
			// per raw URL.
			route = "unmatched"
		}
		status := c.Writer.Status()
		labels := map[string]string{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}

		s.metrics.IncrementCounter("requests_total", 1, labels)
		s.metrics.ObserveHistogram("request_duration",
			float64(time.Since(start).Milliseconds()), labels)
		if status >= 400 {
			s.metrics.IncrementCounter("requests_errors", 1, labels)
		}
	}
}
