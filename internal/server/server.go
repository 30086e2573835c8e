package server

import (
	_ "embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/coinwatch/price-sync/internal/dashboard"
	"github.com/coinwatch/price-sync/internal/market"
	"github.com/coinwatch/price-sync/internal/portfolio"
	"github.com/coinwatch/price-sync/internal/pricesync"
)

//go:embed index.html
var index string

var indexTpl = template.Must(template.New("index").Parse(index))

type StatsSource interface {
	Stats() pricesync.Stats
}

type Server struct {
	board  *dashboard.Board
	book   *portfolio.Book
	prices pricesync.Fetcher
	stats  StatsSource

	shuttingDown atomic.Bool
}

func New(board *dashboard.Board, book *portfolio.Book, prices pricesync.Fetcher, stats StatsSource) *Server {
	return &Server{
		board:  board,
		book:   book,
		prices: prices,
		stats:  stats,
	}
}

func (s *Server) Ready() bool { return s.board.Ready() }
func (s *Server) Live() bool  { return !s.shuttingDown.Load() }

// Shutdown marks the server as going away, /healthz starts failing.
func (s *Server) Shutdown() { s.shuttingDown.Store(true) }

func (s *Server) Handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("GET /{$}", s.handleIndex)
	m.HandleFunc("GET /healthz", probe(s.Live))
	m.HandleFunc("GET /readyz", probe(s.Ready))
	m.HandleFunc("GET /api/coins", s.handleCoins)
	m.HandleFunc("GET /api/coins/suggest", s.handleSuggest)
	m.HandleFunc("POST /api/coins/reload", s.handleReload)
	m.HandleFunc("GET /api/sync", s.handleSync)
	m.HandleFunc("GET /api/portfolio", s.handlePortfolio)
	m.HandleFunc("POST /api/portfolio", s.handleAddPosition)
	m.HandleFunc("DELETE /api/portfolio/{id}", s.handleRemovePosition)
	m.HandleFunc("GET /api/alerts", s.handleAlerts)
	m.HandleFunc("POST /api/alerts", s.handleAddAlert)
	m.HandleFunc("DELETE /api/alerts/{id}", s.handleRemoveAlert)
	return m
}

func probe(ok func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !ok() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Coins []market.Coin
		Error string
		Stats pricesync.Stats
	}{
		Coins: s.board.Find(r.URL.Query().Get("search")),
		Error: s.board.Err(),
		Stats: s.stats.Stats(),
	}
	if err := indexTpl.Execute(w, data); err != nil {
		slog.Error("could not render index", "err", err)
	}
}

func (s *Server) handleCoins(w http.ResponseWriter, r *http.Request) {
	if msg := s.board.Err(); msg != "" && !s.board.Ready() {
		writeError(w, http.StatusServiceUnavailable, msg)
		return
	}
	writeJSON(w, http.StatusOK, s.board.Find(r.URL.Query().Get("search")))
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	coins := s.board.Suggest(r.URL.Query().Get("q"))
	if coins == nil {
		coins = []market.Coin{}
	}
	writeJSON(w, http.StatusOK, coins)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.board.Bootstrap(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, dashboard.LoadErrorMessage)
		return
	}
	writeJSON(w, http.StatusOK, s.board.Coins())
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	positions := s.book.Positions()
	resp := struct {
		Positions []portfolio.Position `json:"positions"`
		CostBasis float64              `json:"costBasis"`
		Analytics portfolio.Analytics  `json:"analytics"`
	}{
		Positions: positions,
		CostBasis: s.book.CostBasis(),
		Analytics: portfolio.Analyze(positions, nil),
	}
	if ids := portfolio.CoinIDs(positions); len(ids) > 0 {
		prices, err := s.prices.Prices(r.Context(), ids)
		if err != nil {
			slog.Error("could not fetch portfolio prices", "err", err)
		} else {
			resp.Analytics = portfolio.Analyze(positions, prices)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddPosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Coin          string  `json:"coin"`
		Amount        float64 `json:"amount"`
		PurchasePrice float64 `json:"purchasePrice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := s.book.AddPosition(req.Coin, req.Amount, req.PurchasePrice)
	if err != nil {
		writeBookError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleRemovePosition(w http.ResponseWriter, r *http.Request) {
	if err := s.book.RemovePosition(r.PathValue("id")); err != nil {
		writeBookError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.book.Alerts())
}

func (s *Server) handleAddAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CoinID      string  `json:"coinId"`
		TargetPrice float64 `json:"targetPrice"`
		IsAbove     bool    `json:"isAbove"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := s.book.AddAlert(req.CoinID, req.TargetPrice, req.IsAbove)
	if err != nil {
		writeBookError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleRemoveAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.book.RemoveAlert(r.PathValue("id")); err != nil {
		writeBookError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeBookError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, portfolio.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, portfolio.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		slog.Error("could not update portfolio", "err", err)
		writeError(w, http.StatusInternalServerError, "could not update portfolio")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("could not write response", "err", err)
	}
}
