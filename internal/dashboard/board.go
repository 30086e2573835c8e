// Package dashboard holds the coin list shown to the user and keeps it up to
// date from the price synchronizer.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/coinwatch/price-sync/internal/market"
	"github.com/coinwatch/price-sync/internal/pricesync"
)

// LoadErrorMessage is shown when the initial coin list could not be loaded.
const LoadErrorMessage = "Failed to load cryptocurrency data. Please try again later."

type Lister interface {
	Markets(ctx context.Context, perPage, page int) ([]market.Coin, error)
}

type Syncer interface {
	StartUpdates(ids []string)
	StopUpdates()
	Subscribe(o pricesync.Observer) func()
}

type Board struct {
	lister  Lister
	syncer  Syncer
	perPage int
	log     *slog.Logger

	mu          sync.RWMutex
	coins       []market.Coin
	loadErr     string
	ready       bool
	unsubscribe func()
}

func New(lister Lister, syncer Syncer, perPage int, log *slog.Logger) *Board {
	if log == nil {
		log = slog.Default()
	}
	if perPage <= 0 {
		perPage = 100
	}
	return &Board{
		lister:  lister,
		syncer:  syncer,
		perPage: perPage,
		log:     log,
	}
}

// Mount subscribes the board to price updates and loads the coin list.
func (b *Board) Mount(ctx context.Context) error {
	b.mu.Lock()
	if b.unsubscribe == nil {
		b.unsubscribe = b.syncer.Subscribe(b)
	}
	b.mu.Unlock()
	return b.Bootstrap(ctx)
}

// Unmount unsubscribes the board and stops the synchronizer.
func (b *Board) Unmount() {
	b.mu.Lock()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	b.syncer.StopUpdates()
}

// Bootstrap loads the first page of coins and starts tracking their prices.
func (b *Board) Bootstrap(ctx context.Context) error {
	coins, err := b.lister.Markets(ctx, b.perPage, 1)
	if err != nil {
		b.log.Error("could not load coins", "err", err)
		b.mu.Lock()
		b.loadErr = LoadErrorMessage
		b.mu.Unlock()
		return fmt.Errorf("load coins: %w", err)
	}

	b.mu.Lock()
	b.coins = coins
	b.loadErr = ""
	b.ready = true
	b.mu.Unlock()

	b.log.Info("loaded coins", "total", len(coins))
	b.syncer.StartUpdates(market.IDs(coins))
	return nil
}

// OnPrices merges a refresh into the displayed coins.
func (b *Board) OnPrices(prices []market.Price) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coins = Merge(b.coins, prices)
}

// Find returns the coin with the given id. An empty or unknown id returns all
// coins.
func (b *Board) Find(id string) []market.Coin {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if id != "" {
		if i := slices.IndexFunc(b.coins, func(c market.Coin) bool { return c.ID == id }); i != -1 {
			return []market.Coin{b.coins[i]}
		}
	}
	return slices.Clone(b.coins)
}

// Suggest returns the coins whose name or symbol contains term, ignoring
// case. An empty term suggests nothing.
func (b *Board) Suggest(term string) []market.Coin {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []market.Coin
	for _, c := range b.coins {
		if strings.Contains(strings.ToLower(c.Name), term) || strings.Contains(strings.ToLower(c.Symbol), term) {
			out = append(out, c)
		}
	}
	return out
}

func (b *Board) Coins() []market.Coin {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.coins)
}

func (b *Board) Err() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loadErr
}

func (b *Board) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// Merge returns coins with the price fields of every matching record
// replaced. Records for unknown coins are ignored, coins without a record keep
// their values.
func Merge(coins []market.Coin, prices []market.Price) []market.Coin {
	if len(coins) == 0 || len(prices) == 0 {
		return coins
	}
	index := make(map[string]int, len(coins))
	for i := len(coins) - 1; i >= 0; i-- {
		index[coins[i].ID] = i
	}
	merged := slices.Clone(coins)
	for _, p := range prices {
		if i, ok := index[p.ID]; ok {
			merged[i] = merged[i].Apply(p)
		}
	}
	return merged
}
