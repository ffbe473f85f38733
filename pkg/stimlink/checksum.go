// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package stimlink

// Checksum computes the additive StimLink checksum: the low eight bits of
// the sum of all bytes preceding the checksum position.
func Checksum(data []byte) byte {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return byte(sum)
}
