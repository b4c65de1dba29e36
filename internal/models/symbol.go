package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSymbol is returned for empty or malformed trading symbols
var ErrInvalidSymbol = errors.New("invalid symbol")

// NormalizeSymbol trims and upper-cases a symbol without validating it
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// CanonicalSymbol normalizes and validates a symbol in BASE/QUOTE form
func CanonicalSymbol(symbol string) (string, error) {
	s := NormalizeSymbol(symbol)
	if _, _, err := SplitSymbol(s); err != nil {
		return "", err
	}
	return s, nil
}

// SplitSymbol splits a canonical BASE/QUOTE symbol into its assets
func SplitSymbol(symbol string) (base, quote string, err error) {
	s := NormalizeSymbol(symbol)
	parts := strings.Split(s, "/")
	if len(parts) != 2 || !isAsset(parts[0]) || !isAsset(parts[1]) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return parts[0], parts[1], nil
}

// JoinSymbol builds the canonical form from two assets
func JoinSymbol(base, quote string) string {
	return NormalizeSymbol(base) + "/" + NormalizeSymbol(quote)
}

func isAsset(s string) bool {
	if len(s) == 0 || len(s) > 20 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
