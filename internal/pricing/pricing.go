// Package pricing is the external collaborator named in SPEC_FULL.md §4.B.1:
// a model-price schedule the Derived-Metadata Engine consults to turn token
// counts into a dollar cost. Fetching or refreshing the schedule from a
// remote price list is explicitly out of scope (§1); this package only
// resolves already-loaded rates.
package pricing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rates are dollars per million tokens for each usage category.
type Rates struct {
	Input          float64 `yaml:"input"`
	Output         float64 `yaml:"output"`
	CacheRead      float64 `yaml:"cache_read"`
	CacheCreate5m  float64 `yaml:"cache_create_5m"`
	CacheCreate1h  float64 `yaml:"cache_create_1h"`
}

// Schedule resolves a model identifier to Rates in the order exact match,
// then longest matching prefix entry, then the "default" entry.
type Schedule struct {
	Models map[string]Rates `yaml:"models"`
}

// Load reads a YAML price schedule from disk.
func Load(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var s Schedule
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	return &s, nil
}

// LoadOrDefault loads the schedule at path, or returns Default() if the
// file does not exist.
func LoadOrDefault(path string) (*Schedule, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Default is a conservative built-in schedule covering the major model
// families, used when no pricing file is configured.
func Default() *Schedule {
	return &Schedule{
		Models: map[string]Rates{
			"claude-opus-*": {
				Input: 15, Output: 75, CacheRead: 1.5, CacheCreate5m: 18.75, CacheCreate1h: 30,
			},
			"claude-sonnet-*": {
				Input: 3, Output: 15, CacheRead: 0.3, CacheCreate5m: 3.75, CacheCreate1h: 6,
			},
			"claude-haiku-*": {
				Input: 0.8, Output: 4, CacheRead: 0.08, CacheCreate5m: 1, CacheCreate1h: 1.6,
			},
			"gpt-4*": {
				Input: 2.5, Output: 10, CacheRead: 1.25,
			},
			"default": {
				Input: 3, Output: 15, CacheRead: 0.3, CacheCreate5m: 3.75, CacheCreate1h: 6,
			},
		},
	}
}

// Resolve finds the Rates for model: exact match, then longest matching
// "*"-suffixed prefix, then the "default" key, then the zero value.
func (s *Schedule) Resolve(model string) Rates {
	if s == nil {
		return Rates{}
	}
	if r, ok := s.Models[model]; ok {
		return r
	}

	bestLen := 0
	var best Rates
	found := false
	for key, r := range s.Models {
		prefix, ok := strings.CutSuffix(key, "*")
		if !ok {
			continue
		}
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = r
			found = true
		}
	}
	if found {
		return best
	}

	if r, ok := s.Models["default"]; ok {
		return r
	}
	return Rates{}
}

// Cost computes the dollar cost of one usage sample against this schedule.
func (s *Schedule) Cost(model string, input, output, cacheRead, cache5m, cache1h int) float64 {
	r := s.Resolve(model)
	const perMillion = 1_000_000.0
	return float64(input)*r.Input/perMillion +
		float64(output)*r.Output/perMillion +
		float64(cacheRead)*r.CacheRead/perMillion +
		float64(cache5m)*r.CacheCreate5m/perMillion +
		float64(cache1h)*r.CacheCreate1h/perMillion
}
