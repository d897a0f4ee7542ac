// Package state implements the mode-tagged, atomic, human-readable sync
// state store (spec §3, §4.5).
package state

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
)

// Mode tags which reconciler schema a state file was written under. A
// file loaded under a mode that doesn't match its own tag is treated as
// absent rather than repurposed (spec §3 invariant, §9).
type Mode string

const (
	Full       Mode = "full"
	Busy       Mode = "busy"
	FullOneway Mode = "full_oneway"
)

var ErrModeMismatch = errors.New("state file mode does not match expected mode")

// Full mode state: uid -> last-modified timestamp.
type FullState struct {
	Mode    Mode                 `yaml:"mode"`
	Entries map[string]time.Time `yaml:"entries"`
}

func NewFullState() *FullState {
	return &FullState{Mode: Full, Entries: map[string]time.Time{}}
}

// FullOnewayState has the identical shape to FullState but a distinct mode
// tag, so the two are never cross-loaded (spec §3, §9).
type FullOnewayState struct {
	Mode    Mode                 `yaml:"mode"`
	Entries map[string]time.Time `yaml:"entries"`
}

func NewFullOnewayState() *FullOnewayState {
	return &FullOnewayState{Mode: FullOneway, Entries: map[string]time.Time{}}
}

// BusyState is the BUSY-mode schema (spec §3).
type BusyState struct {
	Mode       Mode                 `yaml:"mode"`
	Synced     map[string]time.Time `yaml:"synced"`
	BusyUIDs   map[string]bool      `yaml:"busy_uids"`
	Tombstones map[string]time.Time `yaml:"tombstones"`
	RealUIDs   map[string]bool      `yaml:"real_uids"`
}

func NewBusyState() *BusyState {
	return &BusyState{
		Mode:       Busy,
		Synced:     map[string]time.Time{},
		BusyUIDs:   map[string]bool{},
		Tombstones: map[string]time.Time{},
		RealUIDs:   map[string]bool{},
	}
}

type taggedMode struct {
	Mode Mode `yaml:"mode"`
}

// LoadFull loads a FULL-mode state file. A missing, unreadable,
// malformed, or mode-mismatched file is reported as "no prior state"
// (nil, nil) with a log warning, never a fatal error (spec §4.5, §7).
func LoadFull(path string) (*FullState, error) {
	raw, ok, err := readIfPresent(path)
	if !ok || err != nil {
		return nil, err
	}
	var tag taggedMode
	if err := yaml.Unmarshal(raw, &tag); err != nil {
		log.Printf("state: %s unreadable, treating as absent: %v", path, err)
		return nil, nil
	}
	if tag.Mode != Full {
		log.Printf("state: %s has mode %q, expected %q; treating as absent", path, tag.Mode, Full)
		return nil, nil
	}
	var s FullState
	if err := yaml.Unmarshal(raw, &s); err != nil {
		log.Printf("state: %s malformed, treating as absent: %v", path, err)
		return nil, nil
	}
	return &s, nil
}

// LoadFullOneway is LoadFull's counterpart for the FULL_ONEWAY tag.
func LoadFullOneway(path string) (*FullOnewayState, error) {
	raw, ok, err := readIfPresent(path)
	if !ok || err != nil {
		return nil, err
	}
	var tag taggedMode
	if err := yaml.Unmarshal(raw, &tag); err != nil {
		log.Printf("state: %s unreadable, treating as absent: %v", path, err)
		return nil, nil
	}
	if tag.Mode != FullOneway {
		log.Printf("state: %s has mode %q, expected %q; treating as absent", path, tag.Mode, FullOneway)
		return nil, nil
	}
	var s FullOnewayState
	if err := yaml.Unmarshal(raw, &s); err != nil {
		log.Printf("state: %s malformed, treating as absent: %v", path, err)
		return nil, nil
	}
	return &s, nil
}

// LoadBusy is LoadFull's counterpart for the BUSY tag.
func LoadBusy(path string) (*BusyState, error) {
	raw, ok, err := readIfPresent(path)
	if !ok || err != nil {
		return nil, err
	}
	var tag taggedMode
	if err := yaml.Unmarshal(raw, &tag); err != nil {
		log.Printf("state: %s unreadable, treating as absent: %v", path, err)
		return nil, nil
	}
	if tag.Mode != Busy {
		log.Printf("state: %s has mode %q, expected %q; treating as absent", path, tag.Mode, Busy)
		return nil, nil
	}
	var s BusyState
	if err := yaml.Unmarshal(raw, &s); err != nil {
		log.Printf("state: %s malformed, treating as absent: %v", path, err)
		return nil, nil
	}
	return &s, nil
}

// readIfPresent returns (nil bytes, false, nil) if the file does not exist,
// and also (nil, false, nil), with a logged warning, if it exists but
// cannot be read -- both are "no prior state" outcomes, never fatal.
func readIfPresent(path string) ([]byte, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		log.Printf("state: %s unreadable, treating as absent: %v", path, err)
		return nil, false, nil
	}
	return raw, true, nil
}

// Store serializes v (one of *FullState, *BusyState, *FullOnewayState) to
// path atomically: write to a temp sibling, fsync, then rename (spec
// §4.5, §8 property 8).
func Store(path string, v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp state file into place: %w", err)
	}
	return nil
}
