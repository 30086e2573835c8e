// Package market talks to a CoinGecko compatible market data provider.
package market

// Price is the normalized result for a single coin of one refresh cycle.
// Values are never modified once handed out.
type Price struct {
	ID               string  `json:"id"`
	CurrentPrice     float64 `json:"current_price"`
	ChangePercent24h float64 `json:"price_change_percentage_24h"`
}

// Coin is a market listing entry as displayed on the dashboard.
type Coin struct {
	ID               string  `json:"id"`
	Symbol           string  `json:"symbol"`
	Name             string  `json:"name"`
	Image            string  `json:"image"`
	CurrentPrice     float64 `json:"current_price"`
	ChangePercent24h float64 `json:"price_change_percentage_24h"`
	MarketCap        float64 `json:"market_cap"`
}

// Apply returns a copy of the coin carrying the price fields of p.
func (c Coin) Apply(p Price) Coin {
	c.CurrentPrice = p.CurrentPrice
	c.ChangePercent24h = p.ChangePercent24h
	return c
}

// IDs returns the identifiers of coins, in order.
func IDs(coins []Coin) []string {
	ids := make([]string, 0, len(coins))
	for _, c := range coins {
		ids = append(ids, c.ID)
	}
	return ids
}
