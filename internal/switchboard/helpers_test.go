package switchboard

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocelloids/ocnwatch/internal/chainsource"
	"github.com/ocelloids/ocnwatch/internal/network"
	"github.com/ocelloids/ocnwatch/internal/streamhub"
	"github.com/ocelloids/ocnwatch/internal/subscription"
)

func newTestHub(src *chainsource.FakeSource) *streamhub.Hub {
	return streamhub.New(src, zerolog.Nop())
}

func waitForRefCount(t *testing.T, hub *streamhub.Hub, chain network.ID, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.RefCount(chain) == n }, time.Second, 5*time.Millisecond)
}

// memSubscriptionStore is a trivial in-process subscription.Store for tests
// that don't exercise the real GORM-backed store.
type memSubscriptionStore struct {
	mu   sync.Mutex
	subs map[string]*subscription.Subscription
}

func newMemSubscriptionStore() *memSubscriptionStore {
	return &memSubscriptionStore{subs: make(map[string]*subscription.Subscription)}
}

func (m *memSubscriptionStore) Insert(sub *subscription.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *memSubscriptionStore) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *memSubscriptionStore) GetByID(id string) (*subscription.Subscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	return sub, ok, nil
}

func (m *memSubscriptionStore) GetByNetworkID(chainID network.ID) ([]*subscription.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*subscription.Subscription
	for _, sub := range m.subs {
		if sub.Origin == chainID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *memSubscriptionStore) List() ([]*subscription.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*subscription.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	return out, nil
}

func (m *memSubscriptionStore) Close() error { return nil }
