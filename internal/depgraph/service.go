package depgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/tOgg1/changegate/internal/configdoc"
	"github.com/tOgg1/changegate/internal/events"
	"github.com/tOgg1/changegate/internal/logging"
	"github.com/tOgg1/changegate/internal/models"
)

// DefaultMaxDepth bounds transitive traversal when callers pass no depth.
const DefaultMaxDepth = 5

// ErrNotComposeDocument is returned by BulkImport for non-compose documents.
var ErrNotComposeDocument = errors.New("bulk import requires a compose document")

// Service answers dependency questions for the impact analyzer and the CLI.
type Service struct {
	store     Store
	publisher events.Publisher
	logger    zerolog.Logger
	maxDepth  int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithPublisher publishes graph.imported events after bulk imports.
func WithPublisher(publisher events.Publisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithMaxDepth sets the depth used when callers pass maxDepth <= 0.
func WithMaxDepth(depth int) Option {
	return func(s *Service) {
		if depth > 0 {
			s.maxDepth = depth
		}
	}
}

// NewService creates a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		publisher: events.NopPublisher{},
		logger:    logging.Component("depgraph"),
		maxDepth:  DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddEdge records that service depends on dependsOn. It is an idempotent
// upsert and reports whether a new edge was created.
func (s *Service) AddEdge(ctx context.Context, deviceID, service, dependsOn string, depType models.DependencyType, metadata map[string]string) (bool, error) {
	if depType == "" {
		depType = models.DependencyTypeManual
	}
	edge := &models.DependencyEdge{
		DeviceID:       deviceID,
		ServiceName:    service,
		DependsOn:      dependsOn,
		DependencyType: depType,
		Metadata:       metadata,
	}
	if err := edge.Validate(); err != nil {
		return false, err
	}

	created, err := s.store.UpsertEdge(ctx, edge)
	if err != nil {
		return false, fmt.Errorf("upsert edge %s -> %s: %w", service, dependsOn, err)
	}
	if created {
		s.logger.Debug().
			Str("device_id", deviceID).
			Str("service", service).
			Str("depends_on", dependsOn).
			Str("type", string(depType)).
			Msg("dependency edge added")
	}
	return created, nil
}

// ImportPreview is what BulkImport would do for a document.
type ImportPreview struct {
	Edges []*models.DependencyEdge `json:"edges"`
	New   int                      `json:"new"`
}

// PreviewImport derives the edges of doc and counts those not yet stored
// for deviceID. The stored graph is copied into a MemoryStore and the
// import runs against the copy, so nothing is written or published.
func (s *Service) PreviewImport(ctx context.Context, deviceID string, doc *configdoc.Document) (*ImportPreview, error) {
	if doc == nil || doc.Type != models.ConfigTypeCompose {
		return nil, ErrNotComposeDocument
	}
	existing, err := s.store.ListEdges(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list edges for %s: %w", deviceID, err)
	}
	scratch := NewMemoryStore()
	for _, edge := range existing {
		if _, err := scratch.UpsertEdge(ctx, copyEdge(edge)); err != nil {
			return nil, err
		}
	}

	preview := &ImportPreview{Edges: DeriveComposeEdges(deviceID, doc)}
	for _, edge := range preview.Edges {
		created, err := scratch.UpsertEdge(ctx, copyEdge(edge))
		if err != nil {
			return nil, err
		}
		if created {
			preview.New++
		}
	}
	return preview, nil
}

// BulkImport derives edges from a compose document: depends_on entries,
// membership of declared networks, and use of declared named volumes.
// Repeated imports of the same document create no new edges.
func (s *Service) BulkImport(ctx context.Context, deviceID string, doc *configdoc.Document) (int, error) {
	if doc == nil || doc.Type != models.ConfigTypeCompose {
		return 0, ErrNotComposeDocument
	}

	edges := DeriveComposeEdges(deviceID, doc)
	created := 0
	for _, edge := range edges {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		ok, err := s.store.UpsertEdge(ctx, edge)
		if err != nil {
			return created, fmt.Errorf("import edge %s -> %s: %w", edge.ServiceName, edge.DependsOn, err)
		}
		if ok {
			created++
		}
	}

	s.logger.Info().
		Str("device_id", deviceID).
		Int("derived", len(edges)).
		Int("created", created).
		Msg("dependency graph imported")

	s.publisher.Publish(ctx, events.NewEvent(
		models.EventTypeGraphImported,
		models.EntityTypeDevice,
		deviceID,
		map[string]int{"derived": len(edges), "created": created},
		map[string]string{models.EventMetaDevice: deviceID},
	))
	return created, nil
}

// DeriveComposeEdges computes the edges BulkImport would upsert, in a
// stable order.
func DeriveComposeEdges(deviceID string, doc *configdoc.Document) []*models.DependencyEdge {
	declaredNetworks := toSet(configdoc.ComposeNetworks(doc))
	declaredVolumes := toSet(configdoc.ComposeVolumes(doc))

	var edges []*models.DependencyEdge
	add := func(service, dependsOn string, depType models.DependencyType, meta map[string]string) {
		if service == "" || dependsOn == "" || service == dependsOn {
			return
		}
		edges = append(edges, &models.DependencyEdge{
			DeviceID:       deviceID,
			ServiceName:    service,
			DependsOn:      dependsOn,
			DependencyType: depType,
			Metadata:       meta,
		})
	}

	services := configdoc.ComposeServices(doc)
	for _, name := range configdoc.ServiceNames(doc) {
		svc := services[name]
		for _, dep := range svc.DependsOn {
			add(name, dep, models.DependencyTypeDependsOn, map[string]string{"source": "depends_on"})
		}
		for _, network := range svc.Networks {
			if declaredNetworks[network] {
				add(name, models.NetworkNode(network), models.DependencyTypeNetwork, map[string]string{"network": network})
			}
		}
		seenVolumes := map[string]bool{}
		for _, entry := range svc.Volumes {
			volume := configdoc.VolumeSource(entry)
			if volume == "" || !declaredVolumes[volume] || seenVolumes[volume] {
				continue
			}
			seenVolumes[volume] = true
			add(name, models.VolumeNode(volume), models.DependencyTypeVolume, map[string]string{"volume": volume})
		}
	}
	return edges
}

// GetUpstream returns the services service directly depends on, sorted.
func (s *Service) GetUpstream(ctx context.Context, deviceID, service string) ([]string, error) {
	edges, err := s.store.ListUpstream(ctx, deviceID, service)
	if err != nil {
		return nil, fmt.Errorf("list upstream of %s: %w", service, err)
	}
	names := make([]string, 0, len(edges))
	for _, edge := range edges {
		names = append(names, edge.DependsOn)
	}
	return uniqueSorted(names), nil
}

// GetDownstream returns the services that directly depend on service, sorted.
func (s *Service) GetDownstream(ctx context.Context, deviceID, service string) ([]string, error) {
	edges, err := s.store.ListDownstream(ctx, deviceID, service)
	if err != nil {
		return nil, fmt.Errorf("list downstream of %s: %w", service, err)
	}
	names := make([]string, 0, len(edges))
	for _, edge := range edges {
		names = append(names, edge.ServiceName)
	}
	return uniqueSorted(names), nil
}

// GetTransitiveClosure walks upstream and downstream independently with a
// breadth-first frontier, stopping when a pass adds nothing or maxDepth
// passes have run. maxDepth <= 0 uses the service default. The start service
// appears in a direction only when a cycle leads back to it.
func (s *Service) GetTransitiveClosure(ctx context.Context, deviceID, service string, maxDepth int) (*models.Closure, error) {
	if maxDepth <= 0 {
		maxDepth = s.maxDepth
	}

	edges, err := s.store.ListEdges(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list edges for %s: %w", deviceID, err)
	}

	upstream := map[string][]string{}
	downstream := map[string][]string{}
	for _, edge := range edges {
		upstream[edge.ServiceName] = append(upstream[edge.ServiceName], edge.DependsOn)
		downstream[edge.DependsOn] = append(downstream[edge.DependsOn], edge.ServiceName)
	}

	return &models.Closure{
		Service:    service,
		Upstream:   bfs(service, upstream, maxDepth),
		Downstream: bfs(service, downstream, maxDepth),
	}, nil
}

func bfs(start string, adjacency map[string][]string, maxDepth int) []string {
	reached := map[string]bool{}
	expanded := map[string]bool{start: true}
	frontier := []string{start}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, node := range frontier {
			for _, neighbor := range adjacency[node] {
				reached[neighbor] = true
				if !expanded[neighbor] {
					expanded[neighbor] = true
					next = append(next, neighbor)
				}
			}
		}
		frontier = next
	}

	out := make([]string, 0, len(reached))
	for node := range reached {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

// RemoveAllForService deletes every edge touching service.
func (s *Service) RemoveAllForService(ctx context.Context, deviceID, service string) (int, error) {
	removed, err := s.store.DeleteForService(ctx, deviceID, service)
	if err != nil {
		return 0, fmt.Errorf("remove edges for %s: %w", service, err)
	}
	s.logger.Info().
		Str("device_id", deviceID).
		Str("service", service).
		Int("removed", removed).
		Msg("dependency edges removed")
	return removed, nil
}

// GetGraph returns every node and edge recorded for a device.
func (s *Service) GetGraph(ctx context.Context, deviceID string) (*models.ServiceGraph, error) {
	edges, err := s.store.ListEdges(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list edges for %s: %w", deviceID, err)
	}

	var nodes []string
	for _, edge := range edges {
		nodes = append(nodes, edge.ServiceName, edge.DependsOn)
	}
	if edges == nil {
		edges = []*models.DependencyEdge{}
	}
	return &models.ServiceGraph{
		DeviceID: deviceID,
		Nodes:    uniqueSorted(nodes),
		Edges:    edges,
	}, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
