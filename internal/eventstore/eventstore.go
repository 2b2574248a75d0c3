// Package eventstore is an append-only, per-aggregate event log with
// optimistic version checks. It runs on PostgreSQL and SQLite.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"locallibrary/internal/store/dberr"
)

const defaultTableName = "events"

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// Event is one recorded fact about an aggregate.
type Event struct {
	ID            int64     `db:"id"`
	AggregateID   uuid.UUID `db:"aggregate_id"`
	AggregateType string    `db:"aggregate_type"`
	EventType     string    `db:"event_type"`
	EventData     []byte    `db:"event_data"`
	Version       int       `db:"version"`
	CreatedAt     time.Time `db:"created_at"`
}

// EventStore reads and appends events. It holds no connection of its own;
// every call takes the sqlx handle or transaction to run on.
type EventStore struct {
	dialect goqu.DialectWrapper
	table   string
	tracer  trace.Tracer
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithTableName stores events in a table other than "events".
func WithTableName(name string) Option {
	return func(es *EventStore) { es.table = name }
}

// NewEventStore creates an event store for the goqu dialect name
// ("postgres" or "sqlite3").
func NewEventStore(dialect string, opts ...Option) *EventStore {
	es := &EventStore{
		dialect: goqu.Dialect(dialect),
		table:   defaultTableName,
		tracer:  otel.Tracer("locallibrary/eventstore"),
	}
	for _, opt := range opts {
		opt(es)
	}
	return es
}

// Schema returns the DDL for the events table in the given dialect.
func Schema(dialect, table string) string {
	if table == "" {
		table = defaultTableName
	}
	if dialect == "postgres" {
		return `CREATE TABLE IF NOT EXISTS ` + table + ` (
	id BIGSERIAL PRIMARY KEY,
	aggregate_id UUID NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL,
	version INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (aggregate_id, version)
)`
	}
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	aggregate_id TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (aggregate_id, version)
)`
}

// AppendEvents appends events to the aggregate's stream if its current
// version equals expectedVersion. Events are numbered expectedVersion+1
// onwards. Run it inside a transaction together with the state change the
// events describe.
func (es *EventStore) AppendEvents(ctx context.Context, db sqlx.ExtContext, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	currentVersion, err := es.currentVersion(ctx, db, aggregateID)
	if err != nil {
		return err
	}
	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	now := time.Now().UTC()
	for i, event := range events {
		version := expectedVersion + i + 1
		createdAt := event.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		query, args, err := es.dialect.Insert(es.table).Rows(goqu.Record{
			"aggregate_id":   aggregateID,
			"aggregate_type": aggregateType,
			"event_type":     event.EventType,
			"event_data":     string(event.EventData),
			"version":        version,
			"created_at":     createdAt.UTC(),
		}).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}

		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			// a concurrent writer took the version first
			if dberr.IsUniqueViolation(err) {
				span.SetAttributes(attribute.Bool("conflict.detected", true))
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

// LoadEvents returns the aggregate's events with fromVersion <= version and,
// when toVersion > 0, version <= toVersion, in version order.
func (es *EventStore) LoadEvents(ctx context.Context, db sqlx.QueryerContext, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	where := []goqu.Expression{
		goqu.C("aggregate_id").Eq(aggregateID),
		goqu.C("version").Gte(fromVersion),
	}
	if toVersion > 0 {
		where = append(where, goqu.C("version").Lte(toVersion))
	}

	query, args, err := es.selectEvents().Where(where...).Order(goqu.C("version").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var events []Event
	if err := sqlx.SelectContext(ctx, db, &events, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// GetCurrentVersion returns the latest version of an aggregate, 0 if it has
// no events.
func (es *EventStore) GetCurrentVersion(ctx context.Context, db sqlx.QueryerContext, aggregateID uuid.UUID) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.get_version",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	version, err := es.currentVersion(ctx, db, aggregateID)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

func (es *EventStore) currentVersion(ctx context.Context, db sqlx.QueryerContext, aggregateID uuid.UUID) (int, error) {
	query, args, err := es.dialect.From(es.table).
		Select(goqu.COALESCE(goqu.MAX("version"), 0)).
		Where(goqu.C("aggregate_id").Eq(aggregateID)).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build version query: %w", err)
	}

	var version int
	if err := sqlx.GetContext(ctx, db, &version, query, args...); err != nil {
		return 0, fmt.Errorf("query current version: %w", err)
	}
	return version, nil
}

// StreamEvents returns up to batchSize events of every aggregate with an id
// greater than fromID, in id order. Consumers page by passing the last id
// they saw.
func (es *EventStore) StreamEvents(ctx context.Context, db sqlx.QueryerContext, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	query, args, err := es.selectEvents().
		Where(goqu.C("id").Gt(fromID)).
		Order(goqu.C("id").Asc()).
		Limit(uint(batchSize)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build stream query: %w", err)
	}

	var events []Event
	if err := sqlx.SelectContext(ctx, db, &events, query, args...); err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}

	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

func (es *EventStore) selectEvents() *goqu.SelectDataset {
	return es.dialect.From(es.table).
		Select("id", "aggregate_id", "aggregate_type", "event_type", "event_data", "version", "created_at")
}
