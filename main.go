// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Aurastim Medical
//
// Aurastat - host controller for Aura-series magnetic stimulators.

package main

import (
	"os"

	"github.com/aurastim/aurastat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
