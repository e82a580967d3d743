package gis

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Service bundles the catalog, the query engine and the importer behind
// one pool-backed entry point for the HTTP layer.
type Service struct {
	pool *pgxpool.Pool

	Registry *Registry
	Resolver *Resolver
	Engine   *Engine
	Importer *Importer
}

// NewService wires the service over a shared connection pool.
func NewService(pool *pgxpool.Pool, cfg ImporterConfig) *Service {
	registry := NewRegistry(pool)
	resolver := NewResolver(pool)
	return &Service{
		pool:     pool,
		Registry: registry,
		Resolver: resolver,
		Engine:   NewEngine(pool, resolver, registry),
		Importer: NewImporter(pool, registry, cfg),
	}
}

// EnsureSchema creates the catalog tables on startup.
func (s *Service) EnsureSchema(ctx context.Context) error {
	return s.Registry.EnsureSchema(ctx)
}
