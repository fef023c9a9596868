package quotes

import (
	"context"
	"sync"
)

// MockProvider serves canned data for tests and dry runs.
type MockProvider struct {
	mu        sync.Mutex
	Bars      map[string][]Bar
	Prices    map[string]float64
	BarsErr   error
	PricesErr error
	BarCalls  int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		Bars:   make(map[string][]Bar),
		Prices: make(map[string]float64),
	}
}

func (m *MockProvider) IntradayBars(ctx context.Context, symbol string) ([]Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BarCalls++
	if m.BarsErr != nil {
		return nil, m.BarsErr
	}
	return m.Bars[symbol], nil
}

func (m *MockProvider) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PricesErr != nil {
		return 0, m.PricesErr
	}
	return m.Prices[symbol], nil
}

func (m *MockProvider) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices[symbol] = price
}
