package portfolio

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/coinwatch/price-sync/internal/market"
)

// Hit reports whether the alert condition holds for price.
func (a Alert) Hit(price float64) bool {
	if a.IsAbove {
		return price >= a.TargetPrice
	}
	return price <= a.TargetPrice
}

// Triggered returns the alerts whose condition holds for one of prices.
func Triggered(alerts []Alert, prices []market.Price) []Alert {
	byID := make(map[string]float64, len(prices))
	for _, p := range prices {
		byID[p.ID] = p.CurrentPrice
	}
	var hits []Alert
	for _, a := range alerts {
		if price, ok := byID[a.CoinID]; ok && a.Hit(price) {
			hits = append(hits, a)
		}
	}
	return hits
}

// Watcher checks the book's alerts on every price refresh and reports each
// alert once when its condition starts to hold.
type Watcher struct {
	book *Book
	log  *slog.Logger

	mu     sync.Mutex
	firing map[string]bool
	notify func(Alert, market.Price)
}

func NewWatcher(book *Book, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{
		book:   book,
		log:    log,
		firing: map[string]bool{},
	}
	w.notify = func(a Alert, p market.Price) {
		w.log.Warn("price alert triggered",
			"coin", a.CoinID,
			"target", a.TargetPrice,
			"above", a.IsAbove,
			"price", p.CurrentPrice)
	}
	return w
}

func (w *Watcher) OnPrices(prices []market.Price) {
	byID := make(map[string]market.Price, len(prices))
	for _, p := range prices {
		byID[p.ID] = p
	}

	alerts := w.book.Alerts()

	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.firing {
		if !slices.ContainsFunc(alerts, func(a Alert) bool { return a.ID == id }) {
			delete(w.firing, id)
		}
	}
	for _, a := range alerts {
		p, ok := byID[a.CoinID]
		if !ok {
			continue
		}
		hit := a.Hit(p.CurrentPrice)
		if hit && !w.firing[a.ID] {
			w.notify(a, p)
		}
		w.firing[a.ID] = hit
	}
}
