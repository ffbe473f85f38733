// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Aurastim Medical

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aurastim/aurastat/pkg/therapy"
)

var protocolsIndication string

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "List protocols from the protocol store",
	RunE:  runProtocols,
}

var protocolsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one protocol's full field set",
	Args:  cobra.ExactArgs(1),
	RunE:  runProtocolsShow,
}

func init() {
	rootCmd.AddCommand(protocolsCmd)
	protocolsCmd.AddCommand(protocolsShowCmd)
	protocolsCmd.Flags().StringVar(&protocolsIndication, "indication", "", "Only list protocols with this classification tag")
}

func openStore() (*therapy.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	path := storePath
	if path == "" {
		path = cfg.StorePath
	}
	if path == "" {
		return nil, fmt.Errorf("no protocol store: pass --protocols or set protocol_store in the config")
	}
	return therapy.LoadStore(path)
}

func runProtocols(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	names := store.Names()
	if protocolsIndication != "" {
		names = names[:0]
		for _, p := range store.ByIndication(protocolsIndication) {
			names = append(names, p.Name())
		}
	}

	fmt.Printf("%-24s %-14s %-8s %8s %10s  %s\n",
		"NAME", "REGION", "PRESET", "PULSES", "DURATION", "INDICATION")
	for _, name := range names {
		p, ok := store.Get(name)
		if !ok {
			continue
		}
		preset := ""
		if p.Preset() {
			preset = "yes"
		}
		fmt.Printf("%-24s %-14s %-8s %8d %9.0fs  %s\n",
			p.Name(), p.TargetRegion(), preset,
			p.TotalPulses(), p.TotalDurationSeconds(), p.Indication())
	}
	return nil
}

func runProtocolsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	p, ok := store.Get(args[0])
	if !ok {
		return fmt.Errorf("protocol %q not found", args[0])
	}

	s := p.Snapshot()
	hi, lo := s.RampBytes()
	fmt.Printf("Name:                %s\n", p.Name())
	fmt.Printf("Description:         %s\n", p.Description())
	fmt.Printf("Target region:       %s\n", p.TargetRegion())
	fmt.Printf("Indication:          %s\n", p.Indication())
	fmt.Printf("Preset:              %v\n", p.Preset())
	fmt.Printf("Motor threshold:     %d%%\n", s.MTPercent)
	fmt.Printf("Intensity:           %d%% MT (%.1f%% absolute, max %.0f%%)\n",
		s.IntensityPercentMT, s.AbsoluteOutput(), s.MaxIntensity())
	fmt.Printf("Frequency:           %.1f Hz\n", s.FrequencyHz)
	fmt.Printf("Trains:              %d × %d pulses\n", s.TrainCount, s.PulsesPerTrain)
	fmt.Printf("Inter-train:         %.1f s\n", s.InterTrainIntervalS)
	fmt.Printf("Burst:               %d pulses, %d ms spacing\n", s.BurstPulses, s.InterPulseIntervalMs)
	fmt.Printf("Ramp:                %.2f over %d steps (wire %d.%02d)\n", s.RampFraction, s.RampSteps, hi, lo)
	fmt.Printf("Total pulses:        %d\n", therapy.TotalPulses(s))
	fmt.Printf("Session duration:    %.1f s\n", therapy.SessionDuration(s))
	return nil
}
