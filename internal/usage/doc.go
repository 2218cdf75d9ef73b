// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package usage converts token counts into running usage totals.
//
// Everything here is pure: Record returns new Totals instead of mutating
// shared state, so a rolled-back turn never leaves a partial charge behind.
//
// # Usage
//
//	rates := usage.DefaultRates()
//	totals, err := usage.Record(conv.Usage, 1200, 340, rates)
//	if errors.Is(err, usage.ErrInvalidUsageRecord) {
//	    // counts were negative; conv.Usage is untouched
//	}
//
//	all := usage.Aggregate(a.Usage, b.Usage)
package usage
