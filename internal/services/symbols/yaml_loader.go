package symbols

import (
	"fmt"
	"os"

	"pricefeed/internal/models"

	"gopkg.in/yaml.v3"
)

// DefaultSymbols are tracked when no symbols file is available
var DefaultSymbols = []string{
	"BTC/USDT", "ETH/USDT", "SOL/USDT", "XRP/USDT", "BNB/USDT",
	"DOGE/USDT", "ADA/USDT", "AVAX/USDT", "LINK/USDT", "DOT/USDT",
}

// SymbolConfig represents the YAML configuration structure
type SymbolConfig struct {
	Symbols []string `yaml:"symbols"`
}

// LoadSymbolsFromYAML loads and canonicalizes symbols from a YAML file.
// Duplicates are dropped; any malformed entry fails the whole load.
func LoadSymbolsFromYAML(filePath string) ([]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols file: %w", err)
	}

	var config SymbolConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse symbols YAML: %w", err)
	}

	if len(config.Symbols) == 0 {
		return nil, fmt.Errorf("no symbols found in config file")
	}

	seen := make(map[string]struct{}, len(config.Symbols))
	symbols := make([]string, 0, len(config.Symbols))
	for _, raw := range config.Symbols {
		symbol, err := models.CanonicalSymbol(raw)
		if err != nil {
			return nil, fmt.Errorf("symbols file %s: %w", filePath, err)
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		symbols = append(symbols, symbol)
	}
	return symbols, nil
}

// LoadSymbolsWithFallback tries to load from YAML, falls back to defaults
func LoadSymbolsWithFallback(filePath string) []string {
	symbols, err := LoadSymbolsFromYAML(filePath)
	if err != nil {
		return DefaultSymbols
	}
	return symbols
}
