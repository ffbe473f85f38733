// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package therapy

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
)

// Store is a name-keyed collection of protocols. Names are unique: adding a
// protocol replaces any existing protocol of the same name.
type Store struct {
	mu        sync.RWMutex
	protocols map[string]*Protocol
}

// NewStore creates an empty protocol store.
func NewStore() *Store {
	return &Store{protocols: make(map[string]*Protocol)}
}

// Add inserts a protocol, replacing any protocol with the same name.
func (st *Store) Add(p *Protocol) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.protocols[p.Name()] = p
}

// Get looks up a protocol by name.
func (st *Store) Get(name string) (*Protocol, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	p, ok := st.protocols[name]
	return p, ok
}

// Remove deletes a protocol by name.
func (st *Store) Remove(name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.protocols, name)
}

// Len returns the number of stored protocols.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.protocols)
}

// Names returns all protocol names, sorted.
func (st *Store) Names() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	names := make([]string, 0, len(st.protocols))
	for name := range st.protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByIndication returns the protocols carrying the given classification tag,
// sorted by name.
func (st *Store) ByIndication(tag string) []*Protocol {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*Protocol
	for _, p := range st.protocols {
		if p.Indication() == tag {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// protocolRecord is the persisted field set of one protocol. Keys are the
// canonical field names shared with the legacy desktop software.
type protocolRecord struct {
	Name                 string  `toml:"name,omitempty"`
	Description          string  `toml:"description"`
	TargetRegion         string  `toml:"target_region"`
	Indication           string  `toml:"indication,omitempty"`
	Preset               bool    `toml:"preset"`
	MTPercent            int     `toml:"subject_mt_percent"`
	IntensityPercentMT   int     `toml:"intensity_percent_of_mt"`
	FrequencyHz          float64 `toml:"frequency_hz"`
	PulsesPerTrain       int     `toml:"pulses_per_train"`
	TrainCount           int     `toml:"train_count"`
	InterTrainIntervalS  float64 `toml:"inter_train_interval_s"`
	BurstPulses          int     `toml:"burst_pulses_count"`
	InterPulseIntervalMs int     `toml:"inter_pulse_interval_ms"`
	RampFraction         float64 `toml:"ramp_fraction"`
	RampSteps            int     `toml:"ramp_steps"`
}

// storeFile supports both on-disk layouts: the name-keyed map written by
// current versions, and the legacy list-of-records layout. Loading
// normalizes to the map form.
type storeFile struct {
	Protocols map[string]protocolRecord `toml:"protocols"`
	Legacy    []protocolRecord          `toml:"protocol,omitempty"`
}

func (r protocolRecord) settings() Settings {
	return Settings{
		MTPercent:            r.MTPercent,
		IntensityPercentMT:   r.IntensityPercentMT,
		FrequencyHz:          r.FrequencyHz,
		PulsesPerTrain:       r.PulsesPerTrain,
		TrainCount:           r.TrainCount,
		InterTrainIntervalS:  r.InterTrainIntervalS,
		BurstPulses:          r.BurstPulses,
		InterPulseIntervalMs: r.InterPulseIntervalMs,
		RampFraction:         r.RampFraction,
		RampSteps:            r.RampSteps,
	}
}

func recordFor(p *Protocol) protocolRecord {
	s := p.Snapshot()
	return protocolRecord{
		Description:          p.Description(),
		TargetRegion:         p.TargetRegion(),
		Indication:           p.Indication(),
		Preset:               p.Preset(),
		MTPercent:            s.MTPercent,
		IntensityPercentMT:   s.IntensityPercentMT,
		FrequencyHz:          s.FrequencyHz,
		PulsesPerTrain:       s.PulsesPerTrain,
		TrainCount:           s.TrainCount,
		InterTrainIntervalS:  s.InterTrainIntervalS,
		BurstPulses:          s.BurstPulses,
		InterPulseIntervalMs: s.InterPulseIntervalMs,
		RampFraction:         s.RampFraction,
		RampSteps:            s.RampSteps,
	}
}

func protocolFrom(name string, r protocolRecord) *Protocol {
	var p *Protocol
	if r.Preset {
		p = NewPresetProtocol(name, r.settings())
	} else {
		p = NewProtocol(name, r.settings())
	}
	p.SetIdentity(r.Description, r.TargetRegion, r.Indication)
	return p
}

// LoadStore reads a protocol store file. A parse failure is fatal to the
// load and never leaves a partially-loaded store behind: the new store is
// built completely before it is returned.
func LoadStore(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("protocol store read failed (%s): %w", path, err)
	}

	var file storeFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("protocol store parse failed (%s): %w", path, err)
	}

	st := NewStore()
	for name, rec := range file.Protocols {
		st.Add(protocolFrom(name, rec))
	}
	for i, rec := range file.Legacy {
		if rec.Name == "" {
			return nil, fmt.Errorf("protocol store parse failed (%s): legacy record %d has no name", path, i)
		}
		st.Add(protocolFrom(rec.Name, rec))
	}
	return st, nil
}

// Save writes the store in the name-keyed map layout.
func (st *Store) Save(path string) error {
	st.mu.RLock()
	file := storeFile{Protocols: make(map[string]protocolRecord, len(st.protocols))}
	for name, p := range st.protocols {
		file.Protocols[name] = recordFor(p)
	}
	st.mu.RUnlock()

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("protocol store encode failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("protocol store write failed (%s): %w", path, err)
	}
	return nil
}
