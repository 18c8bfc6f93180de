// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package driver

import (
	"log/slog"
	"math"
	"sync"
)

const (
	// historySize bounds the rolling usage window the forecaster reads.
	historySize = 20

	// maxForecastMargin caps the caller-supplied safety margin.
	maxForecastMargin = 0.5
)

// Forecast is the projection for one prospective request.
type Forecast struct {
	ProjectedTotal int  `json:"projected_total"`
	Budget         int  `json:"budget"`
	Exceeds        bool `json:"exceeds"`

	// Samples is the history depth the projection drew on. Zero means the
	// projection fell back to mirroring the input size.
	Samples int `json:"samples"`
}

// ForecastUsage projects the total token usage for a request whose input
// side is estimated at currentInput tokens and reports whether it exceeds
// the configured per-request budget. Callers seeing Exceeds must truncate
// context or shorten prompts before generating.
//
// The projection is additive: current input plus the rolling mean of
// observed output tokens, inflated by margin. The margin also absorbs the
// critic pass's extra input, which the estimate does not model directly.
// margin outside [0, 0.5] is clamped and logged.
func (d *Driver) ForecastUsage(currentInput int, margin float64) Forecast {
	if margin < 0 || margin > maxForecastMargin {
		clamped := math.Min(math.Max(margin, 0), maxForecastMargin)
		d.logger.Warn("forecast margin out of range, clamping",
			slog.Float64("margin", margin),
			slog.Float64("clamped", clamped))
		margin = clamped
	}

	expectedOut, samples := d.history.meanOut()
	if samples == 0 {
		expectedOut = currentInput
	}

	projected := int(math.Ceil(float64(currentInput+expectedOut) * (1 + margin)))
	return Forecast{
		ProjectedTotal: projected,
		Budget:         d.cfg.TokenBudget,
		Exceeds:        projected > d.cfg.TokenBudget,
		Samples:        samples,
	}
}

// usageRing is a fixed-size ring of per-request usage samples. Push is
// O(1); reads walk the filled slots.
type usageRing struct {
	mu      sync.Mutex
	samples [historySize]Usage
	count   int
	next    int
}

func (r *usageRing) push(u Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = u
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

// meanOut returns the mean output tokens across the window and the sample
// count it covers.
func (r *usageRing) meanOut() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0, 0
	}
	sum := 0
	for i := 0; i < r.count; i++ {
		sum += r.samples[i].TokensOut
	}
	return sum / r.count, r.count
}

// snapshot copies the window oldest-first.
func (r *usageRing) snapshot() []Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Usage, 0, r.count)
	start := 0
	if r.count == len(r.samples) {
		start = r.next
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.samples[(start+i)%len(r.samples)])
	}
	return out
}
