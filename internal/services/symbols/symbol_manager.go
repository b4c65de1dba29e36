package symbols

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager holds the always-tracked symbol list and reloads it from disk
type Manager struct {
	path       string
	maxSymbols int
	logger     *logrus.Logger

	mu      sync.RWMutex
	symbols []string
}

// NewManager loads path immediately. maxSymbols <= 0 keeps every symbol.
func NewManager(path string, maxSymbols int, logger *logrus.Logger) *Manager {
	m := &Manager{
		path:       path,
		maxSymbols: maxSymbols,
		logger:     logger,
	}
	if err := m.Reload(); err != nil {
		m.logger.WithError(err).Warnf("Using %d default symbols", len(DefaultSymbols))
		m.set(DefaultSymbols)
	}
	return m
}

// Reload re-reads the symbols file. On error the current list is kept.
func (m *Manager) Reload() error {
	symbols, err := LoadSymbolsFromYAML(m.path)
	if err != nil {
		return err
	}
	m.set(symbols)
	m.logger.WithField("count", len(m.Symbols())).Info("Loaded tracked symbols")
	return nil
}

func (m *Manager) set(symbols []string) {
	if m.maxSymbols > 0 && len(symbols) > m.maxSymbols {
		symbols = symbols[:m.maxSymbols]
	}
	out := make([]string, len(symbols))
	copy(out, symbols)

	m.mu.Lock()
	m.symbols = out
	m.mu.Unlock()
}

// Symbols returns the tracked symbols
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.symbols))
	copy(out, m.symbols)
	return out
}

// Count returns the number of tracked symbols
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.symbols)
}

// StartAutoReload reloads the file every interval until ctx is done
func (m *Manager) StartAutoReload(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reload(); err != nil {
				m.logger.WithError(err).Warn("Symbol reload failed, keeping current list")
			}
		}
	}
}
