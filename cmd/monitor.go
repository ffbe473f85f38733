// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Aurastim Medical

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aurastim/aurastat/pkg/stimlink"
)

var monitorStatsInterval int

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream decoded telemetry to stdout",
	Long: `Passively decode StimLink telemetry frames and print each reading.

Link statistics (frame rate, checksum/header error counters) are printed
periodically. Ctrl+C prints a final summary and exits.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().IntVar(&monitorStatsInterval, "stats-interval", 30, "Seconds between statistics summaries (0 = off)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("app", "aurastat").Logger()

	dial, connInfo, err := openDialer()
	if err != nil {
		return err
	}
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info().Str("conn", connInfo).Msg("monitoring")

	codec := stimlink.NewTelemetryCodec()
	stats := stimlink.NewStatistics()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var statsCh <-chan time.Time
	if monitorStatsInterval > 0 {
		ticker := time.NewTicker(time.Duration(monitorStatsInterval) * time.Second)
		defer ticker.Stop()
		statsCh = ticker.C
	}

	pending := make([]byte, 0, 4*codec.Size())
	buf := make([]byte, 64)
	for {
		select {
		case <-sigCh:
			fmt.Print(stats.String())
			return nil
		case <-statsCh:
			fmt.Print(stats.String())
		default:
		}

		n, err := conn.Read(buf)
		if err != nil {
			logger.Warn().Err(err).Msg("read failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}
		pending = append(pending, buf[:n]...)

		for len(pending) >= codec.Size() {
			frame, err := codec.Decode(pending[:codec.Size()])
			if err != nil {
				stats.Update(err)
				logger.Warn().Err(err).Msg("bad frame")
				pending = pending[1:]
				continue
			}
			pending = pending[codec.Size():]

			tele, err := stimlink.DecodeTelemetry(frame)
			stats.Update(err)
			if err != nil {
				logger.Warn().Err(err).Msg("bad telemetry")
				continue
			}
			fmt.Println(stimlink.FormatTelemetry(tele))
		}
	}
}
