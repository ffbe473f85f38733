// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Aurastim Medical

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aurastim/aurastat/pkg/session"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Paths
	configPath string
	storePath  string
)

var rootCmd = &cobra.Command{
	Use:   "aurastat",
	Short: "Aura stimulator session controller",
	Long: `Aurastat - host controller for Aura-series magnetic stimulators.

Commands a stimulator over the StimLink serial protocol: therapy protocol
management, motor threshold calibration, session control, and live
telemetry monitoring.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the
AURASTAT_PASSWORD environment variable, or prompted interactively if not
set. There is intentionally no --password flag, to keep credentials out of
shell history.`,
	Version: "1.4.0",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Controller config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&storePath, "protocols", "", "Protocol store file (TOML)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// getPassword retrieves the WebSocket password from the environment or
// prompts for it without echo.
func getPassword() (string, error) {
	if pw := os.Getenv("AURASTAT_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fall back to plain input when no terminal is attached.
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}
	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// openDialer builds a transport dialer from the connection flags.
func openDialer() (session.Dialer, string, error) {
	if wsURL != "" {
		password := ""
		if wsUsername != "" {
			var err error
			password, err = getPassword()
			if err != nil {
				return nil, "", err
			}
		}
		return session.WebSocketDialer(wsURL, wsUsername, password, wsNoSSLVerify),
			fmt.Sprintf("WebSocket: %s", wsURL), nil
	}

	if portName != "" {
		return session.SerialDialer(portName, baudRate),
			fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, "", fmt.Errorf("either --port or --url must be specified")
}
