// Package storage persists the gateway's last-known-close quotes across
// restarts. The file is the terminal market-data fallback, so losing it only
// widens the window where GetQuote reports data unavailable.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/tasty_gateway/internal/models"
)

// Interface is the last-close store contract. Implementations must be safe
// for concurrent use.
type Interface interface {
	GetLastClose(symbol string) (models.Quote, bool)
	SetLastClose(q models.Quote) error
	Symbols() []string
}

// JSONStore is a file-backed implementation with atomic writes.
type JSONStore struct {
	mu       sync.RWMutex
	filepath string
	data     *storeData
}

type storeData struct {
	LastClose   map[string]storedQuote `json:"last_close"`
	LastUpdated time.Time              `json:"last_updated"`
}

// storedQuote is the serialized quote shape. Source is re-tagged on read, so
// it is not persisted.
type storedQuote struct {
	Symbol            string    `json:"symbol"`
	Last              float64   `json:"last"`
	Bid               float64   `json:"bid"`
	Ask               float64   `json:"ask"`
	Open              float64   `json:"open"`
	High              float64   `json:"high"`
	Low               float64   `json:"low"`
	PrevClose         float64   `json:"prev_close"`
	Volume            int64     `json:"volume"`
	ImpliedVolatility float64   `json:"implied_volatility"`
	IVRank            float64   `json:"iv_rank"`
	Timestamp         time.Time `json:"timestamp"`
}

// NewJSONStore opens (or creates) a store at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		filepath: path,
		data:     &storeData{LastClose: make(map[string]storedQuote)},
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading last-close store: %w", err)
		}
	}
	return s, nil
}

// GetLastClose returns the persisted close for symbol, tagged as a last-close
// quote.
func (s *JSONStore) GetLastClose(symbol string) (models.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sq, ok := s.data.LastClose[symbol]
	if !ok {
		return models.Quote{}, false
	}
	q := models.Quote{
		Symbol:                sq.Symbol,
		Last:                  sq.Last,
		Bid:                   sq.Bid,
		Ask:                   sq.Ask,
		Open:                  sq.Open,
		High:                  sq.High,
		Low:                   sq.Low,
		PrevClose:             sq.PrevClose,
		Volume:                sq.Volume,
		ImpliedVolatility:     sq.ImpliedVolatility,
		ImpliedVolatilityRank: sq.IVRank,
		Source:                models.QuoteSourceLastClose,
		Timestamp:             sq.Timestamp,
	}
	return q.WithDayChange(), true
}

// SetLastClose overwrites the persisted close for the quote's symbol and
// saves the file.
func (s *JSONStore) SetLastClose(q models.Quote) error {
	s.mu.Lock()
	s.data.LastClose[q.Symbol] = storedQuote{
		Symbol:            q.Symbol,
		Last:              q.Last,
		Bid:               q.Bid,
		Ask:               q.Ask,
		Open:              q.Open,
		High:              q.High,
		Low:               q.Low,
		PrevClose:         q.PrevClose,
		Volume:            q.Volume,
		ImpliedVolatility: q.ImpliedVolatility,
		IVRank:            q.ImpliedVolatilityRank,
		Timestamp:         q.Timestamp,
	}
	s.mu.Unlock()
	return s.save()
}

// Symbols lists every symbol with a persisted close.
func (s *JSONStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data.LastClose))
	for sym := range s.data.LastClose {
		out = append(out, sym)
	}
	return out
}

func (s *JSONStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &s.data); err != nil {
		return err
	}
	if s.data.LastClose == nil {
		s.data.LastClose = make(map[string]storedQuote)
	}
	return nil
}

func (s *JSONStore) save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	// Write to temp file first, then rename for atomicity.
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// MemoryStore is an in-memory Interface implementation for tests and
// ephemeral runs.
type MemoryStore struct {
	mu     sync.RWMutex
	quotes map[string]models.Quote
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{quotes: make(map[string]models.Quote)}
}

// GetLastClose returns the stored quote re-tagged as last-close.
func (m *MemoryStore) GetLastClose(symbol string) (models.Quote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[symbol]
	if ok {
		q.Source = models.QuoteSourceLastClose
	}
	return q, ok
}

// SetLastClose stores the quote.
func (m *MemoryStore) SetLastClose(q models.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Symbol] = q
	return nil
}

// Symbols lists stored symbols.
func (m *MemoryStore) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.quotes))
	for sym := range m.quotes {
		out = append(out, sym)
	}
	return out
}

var (
	_ Interface = (*JSONStore)(nil)
	_ Interface = (*MemoryStore)(nil)
)
