// Package portfolio keeps the user's positions and price alerts.
package portfolio

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/coinwatch/price-sync/internal/store"
)

const (
	PositionsKey = "portfolio"
	AlertsKey    = "priceAlerts"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

type Store interface {
	Load(key string, v any) error
	Save(key string, v any) error
}

type Position struct {
	ID            string  `json:"id"`
	Coin          string  `json:"coin"`
	Amount        float64 `json:"amount"`
	PurchasePrice float64 `json:"purchasePrice"`
}

type Alert struct {
	ID          string  `json:"id"`
	CoinID      string  `json:"coinId"`
	TargetPrice float64 `json:"targetPrice"`
	IsAbove     bool    `json:"isAbove"`
}

// Book holds positions and alerts. Both are read once on Open and written
// back whenever they change.
type Book struct {
	store Store
	log   *slog.Logger

	mu        sync.RWMutex
	positions []Position
	alerts    []Alert
}

func Open(s Store, log *slog.Logger) (*Book, error) {
	if log == nil {
		log = slog.Default()
	}
	b := &Book{store: s, log: log}
	if err := s.Load(PositionsKey, &b.positions); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	if err := s.Load(AlertsKey, &b.alerts); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load alerts: %w", err)
	}
	log.Info("opened portfolio", "positions", len(b.positions), "alerts", len(b.alerts))
	return b, nil
}

func (b *Book) Positions() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.positions)
}

func (b *Book) Alerts() []Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.alerts)
}

// AddPosition records a purchase. Coin symbols are stored upper case.
func (b *Book) AddPosition(coin string, amount, purchasePrice float64) (Position, error) {
	coin = strings.TrimSpace(coin)
	if coin == "" || amount <= 0 || purchasePrice <= 0 {
		return Position{}, fmt.Errorf("%w: coin, amount and purchase price are required", ErrInvalidInput)
	}
	p := Position{
		ID:            uuid.NewString(),
		Coin:          strings.ToUpper(coin),
		Amount:        amount,
		PurchasePrice: purchasePrice,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	next := append(slices.Clone(b.positions), p)
	if err := b.store.Save(PositionsKey, next); err != nil {
		return Position{}, fmt.Errorf("save positions: %w", err)
	}
	b.positions = next
	return p, nil
}

func (b *Book) RemovePosition(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.IndexFunc(b.positions, func(p Position) bool { return p.ID == id })
	if i == -1 {
		return ErrNotFound
	}
	next := slices.Delete(slices.Clone(b.positions), i, i+1)
	if err := b.store.Save(PositionsKey, next); err != nil {
		return fmt.Errorf("save positions: %w", err)
	}
	b.positions = next
	return nil
}

// AddAlert records a price alert. Coin ids are stored lower case.
func (b *Book) AddAlert(coinID string, targetPrice float64, above bool) (Alert, error) {
	coinID = strings.TrimSpace(coinID)
	if coinID == "" || targetPrice <= 0 {
		return Alert{}, fmt.Errorf("%w: coin id and target price are required", ErrInvalidInput)
	}
	a := Alert{
		ID:          uuid.NewString(),
		CoinID:      strings.ToLower(coinID),
		TargetPrice: targetPrice,
		IsAbove:     above,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	next := append(slices.Clone(b.alerts), a)
	if err := b.store.Save(AlertsKey, next); err != nil {
		return Alert{}, fmt.Errorf("save alerts: %w", err)
	}
	b.alerts = next
	return a, nil
}

func (b *Book) RemoveAlert(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.IndexFunc(b.alerts, func(a Alert) bool { return a.ID == id })
	if i == -1 {
		return ErrNotFound
	}
	next := slices.Delete(slices.Clone(b.alerts), i, i+1)
	if err := b.store.Save(AlertsKey, next); err != nil {
		return fmt.Errorf("save alerts: %w", err)
	}
	b.alerts = next
	return nil
}

// CostBasis is the sum of amount times purchase price over all positions.
func (b *Book) CostBasis() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total float64
	for _, p := range b.positions {
		total += p.Amount * p.PurchasePrice
	}
	return total
}
