package processing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// binLengths are the candidate prefix lengths, longest first
var binLengths = []int{8, 7, 6, 4}

// BinEntry maps a PAN prefix to a network and a display bank name
type BinEntry struct {
	Prefix  string  `yaml:"prefix"`
	Network Network `yaml:"network"`
	Bank    string  `yaml:"bank"`
}

// BinRegistry is an in-memory lookup table of BIN prefixes
type BinRegistry struct {
	entries map[string]BinEntry
}

type binFile struct {
	Bins []BinEntry `yaml:"bins"`
}

// DefaultBins is used when no registry file is configured
var DefaultBins = []BinEntry{
	{Prefix: "9860", Network: NetworkA, Bank: "Network A"},
	{Prefix: "986001", Network: NetworkA, Bank: "Alpha Bank"},
	{Prefix: "98600433", Network: NetworkA, Bank: "Capital Bank"},
	{Prefix: "8600", Network: NetworkB, Bank: "Network B"},
	{Prefix: "860002", Network: NetworkB, Bank: "Beta Bank"},
	{Prefix: "8600312", Network: NetworkB, Bank: "Orient Bank"},
}

// NewBinRegistry builds a registry from entries
func NewBinRegistry(entries []BinEntry) (*BinRegistry, error) {
	r := &BinRegistry{entries: make(map[string]BinEntry, len(entries))}
	for _, e := range entries {
		if !validPrefixLength(len(e.Prefix)) {
			return nil, fmt.Errorf("bin %q: prefix length must be one of %v", e.Prefix, binLengths)
		}
		if e.Network == "" {
			return nil, fmt.Errorf("bin %q: network is required", e.Prefix)
		}
		if _, dup := r.entries[e.Prefix]; dup {
			return nil, fmt.Errorf("bin %q: duplicate entry", e.Prefix)
		}
		r.entries[e.Prefix] = e
	}
	return r, nil
}

// LoadBinRegistry reads a YAML registry file, falling back to DefaultBins for an empty path
func LoadBinRegistry(path string) (*BinRegistry, error) {
	if path == "" {
		return NewBinRegistry(DefaultBins)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bin registry: %w", err)
	}
	var f binFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse bin registry: %w", err)
	}
	return NewBinRegistry(f.Bins)
}

// Lookup returns the longest registered prefix of pan
func (r *BinRegistry) Lookup(pan string) (BinEntry, bool) {
	for _, n := range binLengths {
		if len(pan) < n {
			continue
		}
		if e, ok := r.entries[pan[:n]]; ok {
			return e, true
		}
	}
	return BinEntry{}, false
}

func validPrefixLength(n int) bool {
	for _, l := range binLengths {
		if l == n {
			return true
		}
	}
	return false
}
