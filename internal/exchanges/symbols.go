package exchanges

import (
	"pricefeed/internal/models"
)

// Symbol conventions per exchange. Every converter accepts the canonical
// BASE/QUOTE form and rejects anything else with models.ErrInvalidSymbol.

// joinedSymbol converts BTC/USDT -> BTCUSDT (Binance, Bybit)
func joinedSymbol(symbol string) (string, error) {
	base, quote, err := models.SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}

// dashedSymbol converts BTC/USDT -> BTC-USDT (OKX, Coinbase)
func dashedSymbol(symbol string) (string, error) {
	return separatedSymbol(symbol, "-")
}

// underscoredSymbol converts BTC/USDT -> BTC_USDT (Gate.io)
func underscoredSymbol(symbol string) (string, error) {
	return separatedSymbol(symbol, "_")
}

func separatedSymbol(symbol, sep string) (string, error) {
	base, quote, err := models.SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + sep + quote, nil
}

// krakenAssets maps canonical asset codes to Kraken's legacy codes
var krakenAssets = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// krakenSymbol converts BTC/USDT -> XBTUSDT
func krakenSymbol(symbol string) (string, error) {
	base, quote, err := models.SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	if alias, ok := krakenAssets[base]; ok {
		base = alias
	}
	if alias, ok := krakenAssets[quote]; ok {
		quote = alias
	}
	return base + quote, nil
}
