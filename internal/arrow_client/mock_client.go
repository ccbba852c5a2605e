package arrow_client

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/quarrel-decode/internal/kvcache"
)

// MockFlightClient is an in-process SnapshotStore. Snapshots still go through
// the Arrow record encoding, only the network is skipped.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	data      map[string][]arrow.Record
	mem       memory.Allocator
}

func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{
		data: make(map[string][]arrow.Record),
		mem:  memory.NewGoAllocator(),
	}
}

func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	for id, recs := range m.data {
		for _, r := range recs {
			r.Release()
		}
		delete(m.data, id)
	}
	return nil
}

func (m *MockFlightClient) PutSnapshot(ctx context.Context, s *kvcache.Session) error {
	recs, err := SessionRecords(m.mem, s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		for _, r := range recs {
			r.Release()
		}
		return fmt.Errorf("client not connected")
	}
	for _, r := range m.data[s.ID] {
		r.Release()
	}
	m.data[s.ID] = recs
	return nil
}

func (m *MockFlightClient) GetSnapshot(ctx context.Context, id string, layout SnapshotLayout) (*kvcache.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, fmt.Errorf("client not connected")
	}
	recs, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("no snapshot for session %s", id)
	}
	return RestoreSession(id, layout, recs)
}

// Sessions lists the stored snapshot ids.
func (m *MockFlightClient) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	return ids
}
