// Package reference resolves the display labels a dataset refers to by id.
package reference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jellydator/ttlcache/v3"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/models"
)

// Kind names a reference table.
type Kind string

const (
	KindTopic      Kind = "topic"
	KindDataSource Kind = "data_source"
	KindDataType   Kind = "data_type"
	KindUser       Kind = "user"
)

// DefaultTTL bounds how stale a cached label may be.
const DefaultTTL = 10 * time.Minute

// Lookup reads one label from its source of truth.
type Lookup interface {
	Label(ctx context.Context, kind Kind, id int64) (string, error)
}

type key struct {
	kind Kind
	id   int64
}

// Resolver caches labels in front of a Lookup.
type Resolver struct {
	lookup Lookup
	cache  *ttlcache.Cache[key, string]
}

// NewResolver builds a resolver. Misses and errors are never cached.
func NewResolver(lookup Lookup, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[key, string](ttl),
	)
	go cache.Start()
	return &Resolver{lookup: lookup, cache: cache}
}

// Close stops the cache background goroutine.
func (r *Resolver) Close() {
	r.cache.Stop()
}

// Label returns the label of kind/id.
func (r *Resolver) Label(ctx context.Context, kind Kind, id int64) (string, error) {
	var loadErr error
	loader := ttlcache.LoaderFunc[key, string](
		func(c *ttlcache.Cache[key, string], k key) *ttlcache.Item[key, string] {
			v, err := r.lookup.Label(ctx, k.kind, k.id)
			if err != nil {
				loadErr = err
				return nil
			}
			return c.Set(k, v, ttlcache.DefaultTTL)
		},
	)

	item := r.cache.Get(key{kind: kind, id: id}, ttlcache.WithLoader[key, string](loader))
	if item == nil {
		if loadErr == nil {
			loadErr = apperr.Newf(apperr.ReferenceNotFound, "%s %d", kind, id)
		}
		return "", loadErr
	}
	return item.Value(), nil
}

// Labels resolves every label of d. It fails if any one of them fails.
func (r *Resolver) Labels(ctx context.Context, d models.Dataset) (models.Labels, error) {
	var (
		out models.Labels
		err error
	)
	if out.Topic, err = r.Label(ctx, KindTopic, d.TopicID); err != nil {
		return models.Labels{}, err
	}
	if out.DataSource, err = r.Label(ctx, KindDataSource, d.DataSourceID); err != nil {
		return models.Labels{}, err
	}
	if out.DataType, err = r.Label(ctx, KindDataType, d.DataTypeID); err != nil {
		return models.Labels{}, err
	}
	if out.Username, err = r.Label(ctx, KindUser, d.UserID); err != nil {
		return models.Labels{}, err
	}
	return out, nil
}

// PostgresLookup reads labels from the reference tables.
type PostgresLookup struct {
	pool *pgxpool.Pool
}

var _ Lookup = (*PostgresLookup)(nil)

// NewPostgresLookup returns a lookup over pool.
func NewPostgresLookup(pool *pgxpool.Pool) *PostgresLookup {
	return &PostgresLookup{pool: pool}
}

var labelQueries = map[Kind]string{
	KindTopic:      `SELECT label FROM topic WHERE id = $1`,
	KindDataSource: `SELECT label FROM data_source WHERE id = $1`,
	KindDataType:   `SELECT label FROM data_type WHERE id = $1`,
	KindUser:       `SELECT nickname FROM users WHERE id = $1`,
}

func (l *PostgresLookup) Label(ctx context.Context, kind Kind, id int64) (string, error) {
	query, ok := labelQueries[kind]
	if !ok {
		return "", fmt.Errorf("unknown reference kind %q", kind)
	}
	var label string
	err := l.pool.QueryRow(ctx, query, id).Scan(&label)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.Newf(apperr.ReferenceNotFound, "%s %d", kind, id)
	}
	if err != nil {
		return "", apperr.Wrap(apperr.DatabaseFailure, fmt.Sprintf("load %s %d", kind, id), err)
	}
	return label, nil
}
