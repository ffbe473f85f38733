// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Aurastim Medical

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aurastim/aurastat/pkg/session"
	"github.com/aurastim/aurastat/pkg/therapy"
)

var sessionProtocol string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Interactive TUI for running a stimulation session",
	Long: `Run a stimulation session against a connected Aura stimulator.

The TUI binds a protocol from the store, then drives the session state
machine: start/pause/stop, motor threshold calibration with live single
pulses, protocol selection, and ramp adjustment. Telemetry and safety
faults are displayed live; a fault stops the session immediately.`,
	RunE: runSession,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.Flags().StringVar(&sessionProtocol, "protocol", "", "Protocol to bind at startup")
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile("aurastat.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("log open failed: %w", err)
	}
	defer logFile.Close()
	logger := zerolog.New(logFile).With().Timestamp().Str("app", "aurastat").Logger()

	store, err := openStore()
	if err != nil {
		return err
	}

	protoName := sessionProtocol
	if protoName == "" {
		protoName = cfg.DefaultProtocol
	}
	var proto *therapy.Protocol
	if protoName != "" {
		p, ok := store.Get(protoName)
		if !ok {
			return fmt.Errorf("protocol %q not found in store", protoName)
		}
		proto = p
	}

	dial, connInfo, err := openDialer()
	if err != nil {
		return err
	}

	var audit *session.AuditLog
	if cfg.AuditPath != "" {
		audit, err = session.OpenAuditLog(cfg.AuditPath)
		if err != nil {
			return err
		}
		defer audit.Close()
	}

	discharge, _ := cfg.autoDischargeAfter()
	ctrl := session.NewController(session.Config{
		Dialer:             dial,
		Protocol:           proto,
		Logger:             logger,
		TickPeriod:         cfg.tickPeriod(),
		AutoDischarge:      cfg.AutoDischarge,
		AutoDischargeAfter: discharge,
		Audit:              audit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(ctx) }()

	m := initialSessionModel(ctrl, store, connInfo)
	p := tea.NewProgram(m, tea.WithAltScreen())

	events := ctrl.Events(64)
	go func() {
		for ev := range eventsOrDone(ctx, events) {
			p.Send(sessionEventMsg{ev})
		}
	}()

	if _, err := p.Run(); err != nil {
		ctrl.Close()
		<-runErr
		return fmt.Errorf("TUI error: %w", err)
	}

	ctrl.Close()
	select {
	case err := <-runErr:
		return err
	case <-time.After(2 * time.Second):
		return nil
	}
}

// eventsOrDone adapts the controller event channel so the forwarding
// goroutine exits with the session context.
func eventsOrDone(ctx context.Context, in <-chan session.Event) <-chan session.Event {
	out := make(chan session.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-in:
				select {
				case <-ctx.Done():
					return
				case out <- ev:
				}
			}
		}
	}()
	return out
}
