// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"math"
)

// =============================================================================
// BUILT-IN STAGES
// =============================================================================

// RenameFields maps record keys to new names. Items must be
// map[string]any; unmapped keys pass through unchanged.
type RenameFields struct {
	// Mapping is oldName -> newName.
	Mapping map[string]string
}

// Name returns the stage name.
func (RenameFields) Name() string { return "rename-fields" }

// Process renames the mapped keys on a copy of the record.
func (s RenameFields) Process(_ context.Context, item any) (any, error) {
	record, ok := item.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected map[string]any, got %T", item)
	}
	out := make(map[string]any, len(record))
	for key, value := range record {
		if renamed, found := s.Mapping[key]; found {
			key = renamed
		}
		out[key] = value
	}
	return out, nil
}

// ZScoreOutlier drops records whose field deviates more than Threshold
// standard deviations from the mean established by Fit. Until Fit is
// called the stage passes everything through.
type ZScoreOutlier struct {
	// Field is the numeric record key to test.
	Field string

	// Threshold defaults to 3 when zero.
	Threshold float64

	mean   float64
	stddev float64
	fitted bool
}

// Name returns the stage name.
func (*ZScoreOutlier) Name() string { return "zscore-outlier" }

// Fit computes the mean and standard deviation from a sample. Call it
// before wiring the stage into a pipeline; it is not safe to call
// concurrently with Process.
func (s *ZScoreOutlier) Fit(samples []float64) error {
	if len(samples) < 2 {
		return fmt.Errorf("pipeline: zscore fit needs at least 2 samples, got %d", len(samples))
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, v := range samples {
		d := v - mean
		sq += d * d
	}
	s.mean = mean
	s.stddev = math.Sqrt(sq / float64(len(samples)))
	s.fitted = true
	return nil
}

// Process drops outliers and passes everything else through.
func (s *ZScoreOutlier) Process(_ context.Context, item any) (any, error) {
	record, ok := item.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected map[string]any, got %T", item)
	}
	if !s.fitted || s.stddev == 0 {
		return record, nil
	}

	value, err := numericField(record, s.Field)
	if err != nil {
		return nil, err
	}

	threshold := s.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	if math.Abs(value-s.mean)/s.stddev > threshold {
		return nil, nil
	}
	return record, nil
}

func numericField(record map[string]any, field string) (float64, error) {
	raw, ok := record[field]
	if !ok {
		return 0, fmt.Errorf("field %q missing", field)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("field %q is %T, not numeric", field, raw)
	}
}
