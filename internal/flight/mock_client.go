package flight

import (
	"context"
	"sync"

	"github.com/23skdu/longbow-guidance/internal/arrowio"
	"github.com/23skdu/longbow-guidance/internal/guidance"
)

// MockTraceClient is an in-memory Publisher for testing
type MockTraceClient struct {
	mu        sync.RWMutex
	connected bool
	pending   []arrowio.TraceEntry
	published []arrowio.TraceEntry
	step      int64
}

func NewMockTraceClient() *MockTraceClient {
	return &MockTraceClient{}
}

func (m *MockTraceClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockTraceClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockTraceClient) Observe(policy string, res *guidance.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, arrowio.TraceEntry{Step: m.step, Policy: policy, Result: snapshot(res)})
	m.step++
}

func (m *MockTraceClient) Publish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.published = append(m.published, m.pending...)
	m.pending = nil
	return nil
}

// Published returns everything sent so far (for testing)
func (m *MockTraceClient) Published() []arrowio.TraceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]arrowio.TraceEntry(nil), m.published...)
}
