// Package pricing resolves per-token USD rates and the tier model catalog
// from config/models.yaml. The file is read lazily on first use and can be
// re-read at runtime via Reload, which the config manager calls on hot
// reload of models.yaml.
package pricing

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	pmetrics "github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
)

// rate holds the per-1K-token prices for one model. Providers publish either
// an input/output split or a single combined number, so all three fields are
// optional and zero means unset.
type rate struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CombinedPer1K float64 `yaml:"combined_per_1k"`
}

// pricebook mirrors the pricing: section of models.yaml.
type pricebook struct {
	Defaults struct {
		CombinedPer1K float64 `yaml:"combined_per_1k"`
	} `yaml:"defaults"`
	// Models is keyed provider -> model name.
	Models map[string]map[string]rate `yaml:"models"`
}

// table is the parsed models.yaml: the tier catalog plus the pricebook.
type table struct {
	// ModelCatalog is keyed tier -> model name -> provider.
	ModelCatalog map[string]map[string]string `yaml:"model_catalog"`
	Pricing      pricebook                    `yaml:"pricing"`
}

var (
	mu          sync.RWMutex
	loaded      *table
	initialized bool
)

// defaultPaths covers the container layout and local dev checkouts. The env
// override is captured once at process start.
var defaultPaths = []string{
	os.Getenv("MODELS_CONFIG_PATH"),
	"/app/config/models.yaml",
	"./config/models.yaml",
	"../../config/models.yaml",
	"../../../config/models.yaml",
}

// searchUp walks parent directories looking for config/models.yaml so that
// tests running from deep package paths still find the repo config.
func searchUp() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// candidatePaths lists config locations in priority order, explicit paths
// before the upward search.
func candidatePaths() []string {
	paths := make([]string, 0, len(defaultPaths)+1)
	for _, p := range defaultPaths {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if p, ok := searchUp(); ok {
		paths = append(paths, p)
	}
	return paths
}

func readTable(path string) (*table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// loadLocked reads the first parseable candidate. Caller holds mu. A missing
// or broken config degrades to the built-in default rate rather than failing,
// so cost accounting keeps working with approximate numbers.
func loadLocked() {
	for _, p := range candidatePaths() {
		t, err := readTable(p)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("WARNING: Failed to load pricing config from %s: %v", p, err)
			}
			continue
		}
		log.Printf("Loaded pricing configuration from %s", p)
		loaded = t
		initialized = true
		return
	}
	loaded = &table{}
	initialized = true
}

func get() *table {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// lookup finds a model's rate across all providers. When the same model name
// appears under several providers it prefers an entry with any price set.
func lookup(model string) (rate, bool) {
	if model == "" {
		return rate{}, false
	}
	cfg := get()
	var found rate
	var ok bool
	for _, models := range cfg.Pricing.Models {
		r, exists := models[model]
		if !exists {
			continue
		}
		if r.CombinedPer1K > 0 || r.InputPer1K > 0 || r.OutputPer1K > 0 {
			return r, true
		}
		found, ok = r, true
	}
	return found, ok
}

// countFallback records that a cost was computed from the default rate
// instead of a catalog entry.
func countFallback(model string) {
	reason := "unknown_model"
	if model == "" {
		reason = "missing_model"
	}
	pmetrics.PricingFallbacks.WithLabelValues(reason).Inc()
}

// ModifiedTime returns the mtime of the active config file, best effort.
func ModifiedTime() time.Time {
	for _, p := range candidatePaths() {
		if st, err := os.Stat(p); err == nil {
			return st.ModTime()
		}
	}
	return time.Time{}
}

// Reload forces a re-read of models.yaml on the next access path. Safe to
// call concurrently with readers.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// GetProviderForModel returns the provider listed in model_catalog for a
// (tier, model) pair, or "" when the catalog has no entry. Lookup is
// case-insensitive on the model name.
func GetProviderForModel(tier, model string) string {
	if tier == "" || model == "" {
		return ""
	}
	tierModels, ok := get().ModelCatalog[tier]
	if !ok {
		return ""
	}
	if p, ok := tierModels[model]; ok {
		return p
	}
	ml := strings.ToLower(model)
	for name, p := range tierModels {
		if strings.ToLower(name) == ml {
			return p
		}
	}
	return ""
}

// DefaultPerToken returns the default combined price per token, used when a
// model has no pricebook entry.
func DefaultPerToken() float64 {
	if d := get().Pricing.Defaults.CombinedPer1K; d > 0 {
		return d / 1000.0
	}
	// $0.002 per 1K tokens when no config is present at all.
	return 0.000002
}

// PricePerTokenForModel returns the combined per-token price for a model.
// A split-only entry is approximated as the average of input and output.
func PricePerTokenForModel(model string) (float64, bool) {
	r, ok := lookup(model)
	if !ok {
		return 0, false
	}
	switch {
	case r.CombinedPer1K > 0:
		return r.CombinedPer1K / 1000.0, true
	case r.InputPer1K > 0 && r.OutputPer1K > 0:
		return ((r.InputPer1K + r.OutputPer1K) / 2.0) / 1000.0, true
	}
	return 0, false
}

// CostForTokens prices a total token count against a model's combined rate,
// falling back to the default rate for unknown models.
func CostForTokens(model string, tokens int) float64 {
	if tokens < 0 {
		tokens = 0
	}
	if price, ok := PricePerTokenForModel(model); ok {
		return float64(tokens) * price
	}
	countFallback(model)
	return float64(tokens) * DefaultPerToken()
}

// CostForSplit prices input and output tokens separately when the model has
// split rates, approximates with the combined rate otherwise.
func CostForSplit(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	if r, ok := lookup(model); ok {
		if r.InputPer1K > 0 && r.OutputPer1K > 0 {
			return (float64(inputTokens)/1000.0)*r.InputPer1K + (float64(outputTokens)/1000.0)*r.OutputPer1K
		}
		if r.CombinedPer1K > 0 {
			return (float64(inputTokens+outputTokens) / 1000.0) * r.CombinedPer1K
		}
	}
	countFallback(model)
	return float64(inputTokens+outputTokens) * DefaultPerToken()
}

// checkRate rejects a negative price under entry[key]. YAML numbers decode
// as float64 in the raw map the config manager hands us.
func checkRate(entry map[string]interface{}, key, where string) error {
	if v, ok := entry[key].(float64); ok && v < 0 {
		return errors.New("negative " + key + " for " + where)
	}
	return nil
}

// ValidateMap vets the pricing section of a raw models.yaml map before the
// config manager accepts a hot reload.
func ValidateMap(m map[string]interface{}) error {
	p, ok := m["pricing"].(map[string]interface{})
	if !ok {
		return nil
	}
	if d, ok := p["defaults"].(map[string]interface{}); ok {
		if v, ok := d["combined_per_1k"].(float64); ok && v < 0 {
			return errors.New("pricing.defaults.combined_per_1k must be >= 0")
		}
	}
	provs, ok := p["models"].(map[string]interface{})
	if !ok {
		return nil
	}
	for provName, pm := range provs {
		models, ok := pm.(map[string]interface{})
		if !ok {
			continue
		}
		for modelName, mv := range models {
			entry, ok := mv.(map[string]interface{})
			if !ok {
				continue
			}
			where := provName + ":" + modelName
			for _, key := range []string{"input_per_1k", "output_per_1k", "combined_per_1k"} {
				if err := checkRate(entry, key, where); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
