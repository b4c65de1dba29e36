package aggregator

import "pricefeed/internal/models"

// PriceSelector picks one ticker out of a multi-exchange result. It returns
// nil for an empty input.
type PriceSelector func(tickers []*models.Ticker) *models.Ticker

// HighestPrice picks the ticker with the highest price. Ties keep the first
// ticker in input order.
func HighestPrice(tickers []*models.Ticker) *models.Ticker {
	var best *models.Ticker
	for _, t := range tickers {
		if t.IsError() {
			continue
		}
		if best == nil || t.Price.GreaterThan(best.Price) {
			best = t
		}
	}
	return best
}

// LowestPrice picks the ticker with the lowest price
func LowestPrice(tickers []*models.Ticker) *models.Ticker {
	var best *models.Ticker
	for _, t := range tickers {
		if t.IsError() {
			continue
		}
		if best == nil || t.Price.LessThan(best.Price) {
			best = t
		}
	}
	return best
}

// SelectorByName resolves a configured selector name
func SelectorByName(name string) (PriceSelector, bool) {
	switch name {
	case "", "highest":
		return HighestPrice, true
	case "lowest":
		return LowestPrice, true
	default:
		return nil, false
	}
}
