package portfolio

import (
	"slices"
	"strings"

	"github.com/coinwatch/price-sync/internal/market"
)

type Allocation struct {
	Coin  string  `json:"coin"`
	Value float64 `json:"value"`
}

type Analytics struct {
	TotalValue       float64      `json:"totalValue"`
	TotalCost        float64      `json:"totalCost"`
	TotalReturn      float64      `json:"totalReturn"`
	PercentageReturn float64      `json:"percentageReturn"`
	Allocations      []Allocation `json:"allocations"`
}

// CoinIDs returns the distinct lower case coin ids of positions.
func CoinIDs(positions []Position) []string {
	var ids []string
	for _, p := range positions {
		id := strings.ToLower(p.Coin)
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Analyze values positions at the given prices. Positions without a price
// are left out of every total.
func Analyze(positions []Position, prices []market.Price) Analytics {
	byID := make(map[string]market.Price, len(prices))
	for _, p := range prices {
		byID[p.ID] = p
	}

	a := Analytics{Allocations: []Allocation{}}
	for _, pos := range positions {
		price, ok := byID[strings.ToLower(pos.Coin)]
		if !ok {
			continue
		}
		value := pos.Amount * price.CurrentPrice
		a.TotalValue += value
		a.TotalCost += pos.Amount * pos.PurchasePrice
		a.Allocations = append(a.Allocations, Allocation{Coin: pos.Coin, Value: value})
	}
	a.TotalReturn = a.TotalValue - a.TotalCost
	if a.TotalCost > 0 {
		a.PercentageReturn = a.TotalReturn / a.TotalCost * 100
	}
	return a
}
