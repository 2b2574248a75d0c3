package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/jmoiron/sqlx"

	"locallibrary/internal/apperr"
	"locallibrary/internal/circulation"
	"locallibrary/internal/clock"
	"locallibrary/internal/eventstore"
	"locallibrary/internal/paging"
)

const tableInstances = "book_instances"

type instanceRow struct {
	ID         uuid.UUID     `db:"id"`
	BookID     uuid.NullUUID `db:"book_id"`
	Imprint    string        `db:"imprint"`
	DueBack    sql.NullTime  `db:"due_back"`
	BorrowerID uuid.NullUUID `db:"borrower_id"`
	Status     string        `db:"status"`
	Version    int           `db:"version"`
}

func (r instanceRow) toDomain() *circulation.BookInstance {
	b := &circulation.BookInstance{
		ID:      r.ID,
		Imprint: r.Imprint,
		Status:  circulation.Status(r.Status),
		Version: r.Version,
	}
	if r.BookID.Valid {
		id := r.BookID.UUID
		b.BookID = &id
	}
	if r.DueBack.Valid {
		d := clock.Date(r.DueBack.Time)
		b.DueBack = &d
	}
	if r.BorrowerID.Valid {
		id := r.BorrowerID.UUID
		b.BorrowerID = &id
	}
	return b
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func dateValue(d *time.Time) sql.NullTime {
	if d == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: clock.Date(*d), Valid: true}
}

func instanceRecord(b *circulation.BookInstance) goqu.Record {
	return goqu.Record{
		"book_id":     nullUUID(b.BookID),
		"imprint":     b.Imprint,
		"due_back":    dateValue(b.DueBack),
		"borrower_id": nullUUID(b.BorrowerID),
		"status":      string(b.Status),
	}
}

func toStoredEvent(e circulation.LoanEvent) eventstore.Event {
	return eventstore.Event{
		AggregateID:   e.InstanceID,
		AggregateType: circulation.AggregateType,
		EventType:     e.Type,
		EventData:     e.Data,
		Version:       e.Version,
		CreatedAt:     e.CreatedAt,
	}
}

func toLoanEvent(e eventstore.Event) circulation.LoanEvent {
	return circulation.LoanEvent{
		ID:         e.ID,
		InstanceID: e.AggregateID,
		Type:       e.EventType,
		Data:       jsoniter.RawMessage(e.EventData),
		Version:    e.Version,
		CreatedAt:  e.CreatedAt.UTC(),
	}
}

func conflictErr(err error) error {
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return fmt.Errorf("append loan event: %w", apperr.ErrConflict)
	}
	return err
}

func (s *Store) CreateInstance(ctx context.Context, inst *circulation.BookInstance, event circulation.LoanEvent) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		rec := instanceRecord(inst)
		rec["id"] = inst.ID
		rec["version"] = 1
		if _, err := s.exec(ctx, tx, s.dialect.Insert(tableInstances).Rows(rec).Prepared(true)); err != nil {
			return fmt.Errorf("insert instance: %w", err)
		}
		inst.Version = 1

		err := s.events.AppendEvents(ctx, tx, inst.ID, circulation.AggregateType, 0, []eventstore.Event{toStoredEvent(event)})
		return conflictErr(err)
	})
}

func (s *Store) GetInstance(ctx context.Context, id uuid.UUID) (*circulation.BookInstance, error) {
	return s.getInstance(ctx, s.db, id)
}

func (s *Store) getInstance(ctx context.Context, db sqlx.QueryerContext, id uuid.UUID) (*circulation.BookInstance, error) {
	var row instanceRow
	err := s.get(ctx, db, &row, s.dialect.From(tableInstances).Where(goqu.C("id").Eq(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("book instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateInstance writes the instance guarded by its version and appends the
// loan event in the same transaction.
func (s *Store) UpdateInstance(ctx context.Context, inst *circulation.BookInstance, expectedVersion int, event circulation.LoanEvent) error {
	newVersion := expectedVersion + 1
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		rec := instanceRecord(inst)
		rec["version"] = newVersion
		stmt := s.dialect.Update(tableInstances).Set(rec).
			Where(goqu.C("id").Eq(inst.ID), goqu.C("version").Eq(expectedVersion)).
			Prepared(true)

		n, err := s.exec(ctx, tx, stmt)
		if err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		if n == 0 {
			if _, err := s.getInstance(ctx, tx, inst.ID); err != nil {
				return err
			}
			return fmt.Errorf("update instance %s at version %d: %w", inst.ID, expectedVersion, apperr.ErrConflict)
		}

		event.Version = newVersion
		err = s.events.AppendEvents(ctx, tx, inst.ID, circulation.AggregateType, expectedVersion, []eventstore.Event{toStoredEvent(event)})
		return conflictErr(err)
	})
	if err != nil {
		return err
	}
	inst.Version = newVersion
	return nil
}

func (s *Store) DeleteInstance(ctx context.Context, id uuid.UUID) error {
	n, err := s.exec(ctx, s.db, s.dialect.Delete(tableInstances).Where(goqu.C("id").Eq(id)).Prepared(true))
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("book instance", id)
	}
	return nil
}

func instanceWhere(f circulation.InstanceFilter) []goqu.Expression {
	var where []goqu.Expression
	if f.Status != "" {
		where = append(where, goqu.C("status").Eq(string(f.Status)))
	}
	if f.BorrowerID != nil {
		where = append(where, goqu.C("borrower_id").Eq(*f.BorrowerID))
	}
	if f.BookID != nil {
		where = append(where, goqu.C("book_id").Eq(*f.BookID))
	}
	return where
}

func (s *Store) ListInstances(ctx context.Context, f circulation.InstanceFilter, page paging.Request) (paging.Page[*circulation.BookInstance], error) {
	page = page.Normalize(20)
	base := s.dialect.From(tableInstances).Where(instanceWhere(f)...)

	total, err := s.count(ctx, s.db, base)
	if err != nil {
		return paging.Page[*circulation.BookInstance]{}, fmt.Errorf("count instances: %w", err)
	}

	var rows []instanceRow
	ds := base.Order(
		goqu.L("CASE WHEN due_back IS NULL THEN 1 ELSE 0 END").Asc(),
		goqu.C("due_back").Asc(),
		goqu.C("id").Asc(),
	).Limit(uint(page.Size)).Offset(uint(page.Offset()))
	if err := s.selectAll(ctx, s.db, &rows, ds); err != nil {
		return paging.Page[*circulation.BookInstance]{}, fmt.Errorf("list instances: %w", err)
	}

	out := paging.Page[*circulation.BookInstance]{
		Data:     make([]*circulation.BookInstance, len(rows)),
		Page:     page.Number,
		PageSize: page.Size,
		Total:    total,
	}
	for i, r := range rows {
		out.Data[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) CountInstances(ctx context.Context, f circulation.InstanceFilter) (int, error) {
	return s.count(ctx, s.db, s.dialect.From(tableInstances).Where(instanceWhere(f)...))
}

func (s *Store) LoanHistory(ctx context.Context, id uuid.UUID) ([]circulation.LoanEvent, error) {
	events, err := s.events.LoadEvents(ctx, s.db, id, 1, 0)
	if err != nil {
		return nil, err
	}
	out := make([]circulation.LoanEvent, len(events))
	for i, e := range events {
		out[i] = toLoanEvent(e)
	}
	return out, nil
}

func (s *Store) LoanEvents(ctx context.Context, afterID int64, limit int) ([]circulation.LoanEvent, error) {
	events, err := s.events.StreamEvents(ctx, s.db, afterID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]circulation.LoanEvent, len(events))
	for i, e := range events {
		out[i] = toLoanEvent(e)
	}
	return out, nil
}

func (s *Store) BookExists(ctx context.Context, bookID uuid.UUID) (bool, error) {
	n, err := s.count(ctx, s.db, s.dialect.From(tableBooks).Where(goqu.C("id").Eq(bookID)))
	if err != nil {
		return false, fmt.Errorf("look up book: %w", err)
	}
	return n > 0, nil
}
