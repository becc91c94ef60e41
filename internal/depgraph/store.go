// Package depgraph maintains device-scoped service dependency edges and
// answers blast-radius traversal queries over them.
package depgraph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/changegate/internal/models"
)

// Store persists dependency edges. Implementations must treat UpsertEdge as
// an idempotent insert keyed on (DeviceID, ServiceName, DependsOn).
type Store interface {
	// UpsertEdge inserts the edge unless one with the same key exists.
	// It reports whether a new edge was created.
	UpsertEdge(ctx context.Context, edge *models.DependencyEdge) (bool, error)

	// ListEdges returns every edge for a device.
	ListEdges(ctx context.Context, deviceID string) ([]*models.DependencyEdge, error)

	// ListUpstream returns edges where service is the dependent.
	ListUpstream(ctx context.Context, deviceID, service string) ([]*models.DependencyEdge, error)

	// ListDownstream returns edges where service is the dependency.
	ListDownstream(ctx context.Context, deviceID, service string) ([]*models.DependencyEdge, error)

	// DeleteForService removes every edge touching service and returns the
	// number removed.
	DeleteForService(ctx context.Context, deviceID, service string) (int, error)
}

// MemoryStore is an in-process Store. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	edges map[edgeKey]*models.DependencyEdge
}

type edgeKey struct {
	device    string
	service   string
	dependsOn string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{edges: make(map[edgeKey]*models.DependencyEdge)}
}

// UpsertEdge implements Store.
func (m *MemoryStore) UpsertEdge(_ context.Context, edge *models.DependencyEdge) (bool, error) {
	key := edgeKey{edge.DeviceID, edge.ServiceName, edge.DependsOn}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.edges[key]; ok {
		*edge = *copyEdge(existing)
		return false, nil
	}
	if edge.ID == "" {
		edge.ID = uuid.New().String()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	m.edges[key] = copyEdge(edge)
	return true, nil
}

// ListEdges implements Store.
func (m *MemoryStore) ListEdges(_ context.Context, deviceID string) ([]*models.DependencyEdge, error) {
	return m.filter(func(e *models.DependencyEdge) bool {
		return e.DeviceID == deviceID
	}), nil
}

// ListUpstream implements Store.
func (m *MemoryStore) ListUpstream(_ context.Context, deviceID, service string) ([]*models.DependencyEdge, error) {
	return m.filter(func(e *models.DependencyEdge) bool {
		return e.DeviceID == deviceID && e.ServiceName == service
	}), nil
}

// ListDownstream implements Store.
func (m *MemoryStore) ListDownstream(_ context.Context, deviceID, service string) ([]*models.DependencyEdge, error) {
	return m.filter(func(e *models.DependencyEdge) bool {
		return e.DeviceID == deviceID && e.DependsOn == service
	}), nil
}

// DeleteForService implements Store.
func (m *MemoryStore) DeleteForService(_ context.Context, deviceID, service string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.edges {
		if key.device == deviceID && (key.service == service || key.dependsOn == service) {
			delete(m.edges, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) filter(match func(*models.DependencyEdge) bool) []*models.DependencyEdge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.DependencyEdge
	for _, edge := range m.edges {
		if match(edge) {
			out = append(out, copyEdge(edge))
		}
	}
	sortEdges(out)
	return out
}

func copyEdge(edge *models.DependencyEdge) *models.DependencyEdge {
	out := *edge
	if edge.Metadata != nil {
		out.Metadata = make(map[string]string, len(edge.Metadata))
		for k, v := range edge.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func sortEdges(edges []*models.DependencyEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].ServiceName != edges[j].ServiceName {
			return edges[i].ServiceName < edges[j].ServiceName
		}
		return edges[i].DependsOn < edges[j].DependsOn
	})
}
