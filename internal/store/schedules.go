package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get returns the schedule with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*schedule.Schedule, error) {
	return getSchedule(ctx, s.db, id)
}

// GetAll returns every stored schedule ordered by priority, then id.
func (s *Store) GetAll(ctx context.Context) ([]*schedule.Schedule, error) {
	return querySchedules(ctx, s.db, `SELECT body FROM schedules ORDER BY priority, id`)
}

// GetGroup returns the schedules of one group.
func (s *Store) GetGroup(ctx context.Context, group string) ([]*schedule.Schedule, error) {
	return querySchedules(ctx, s.db, `SELECT body FROM schedules WHERE grp = ? ORDER BY priority, id`, group)
}

// Insert stores new schedules in one transaction. Any invalid or duplicate
// schedule aborts the whole call.
func (s *Store) Insert(ctx context.Context, scheds ...*schedule.Schedule) error {
	return s.Commit(ctx, schedule.Batch{Inserts: scheds})
}

// ApplyEdits patches the schedule with id. It reports false if the id is
// not stored.
func (s *Store) ApplyEdits(ctx context.Context, id string, edits schedule.Edits) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = s.editTx(ctx, tx, id, edits)
		return err
	})
	if err != nil {
		return false, asWriteError("edit", id, err)
	}
	return applied, nil
}

// Cancel deletes the schedule with id and its trigger state. It reports
// false if the id is not stored.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		deleted, err = cancelTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return false, asWriteError("cancel", id, err)
	}
	return deleted, nil
}

// CancelGroup deletes every schedule in group and returns their ids.
func (s *Store) CancelGroup(ctx context.Context, group string) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.QueryContext(ctx, `SELECT id FROM schedules WHERE grp = ? ORDER BY id`, group)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM schedules WHERE grp = ?`, group)
		return err
	})
	if err != nil {
		return nil, asWriteError("cancel group", group, err)
	}
	return ids, nil
}

// Commit applies a batch atomically: inserts, then edits, then cancels.
// Edits and cancels of ids that are not stored are skipped.
func (s *Store) Commit(ctx context.Context, b schedule.Batch) error {
	for _, sc := range b.Inserts {
		if err := sc.Validate(); err != nil {
			return &WriteError{Op: "insert", ID: sc.ID, Err: err}
		}
	}
	var failedID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sc := range b.Inserts {
			if err := s.insertTx(ctx, tx, sc); err != nil {
				failedID = sc.ID
				return err
			}
		}
		for _, e := range b.Edits {
			if _, err := s.editTx(ctx, tx, e.ID, e.Edits); err != nil {
				failedID = e.ID
				return err
			}
		}
		for _, id := range b.Cancels {
			if _, err := cancelTx(ctx, tx, id); err != nil {
				failedID = id
				return err
			}
		}
		return nil
	})
	if err != nil {
		return asWriteError("commit", failedID, err)
	}
	return nil
}

// SaveState stores the trigger state of id. It reports false if the id is
// not stored.
func (s *Store) SaveState(ctx context.Context, id string, st schedule.State) (bool, error) {
	blob, err := cborEnc.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("encode state %s: %w", id, err)
	}
	var n int64
	err = retryOnContention(func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE schedules SET state = ? WHERE id = ?`, blob, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, &WriteError{Op: "save state", ID: id, Err: err}
	}
	return n > 0, nil
}

// States returns the stored trigger state of every schedule that has one.
func (s *Store) States(ctx context.Context) (map[string]schedule.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, state FROM schedules WHERE state IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()
	out := make(map[string]schedule.State)
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		var st schedule.State
		if err := cborDec.Unmarshal(blob, &st); err != nil {
			return nil, fmt.Errorf("decode state %s: %w", id, err)
		}
		out[id] = st
	}
	return out, rows.Err()
}

func (s *Store) insertTx(ctx context.Context, tx *sql.Tx, sc *schedule.Schedule) error {
	body, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	now := s.now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO schedules (id, type, grp, priority, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sc.ID, string(sc.Type()), sc.Group, sc.Priority, string(body), now, now,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *Store) editTx(ctx context.Context, tx *sql.Tx, id string, edits schedule.Edits) (bool, error) {
	sc, err := getSchedule(ctx, tx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	edits.Apply(sc)
	if err := sc.Validate(); err != nil {
		return false, err
	}
	body, err := json.Marshal(sc)
	if err != nil {
		return false, fmt.Errorf("encode schedule: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE schedules SET type = ?, grp = ?, priority = ?, body = ?, updated_at = ? WHERE id = ?`,
		string(sc.Type()), sc.Group, sc.Priority, string(body), s.now().UnixMilli(), id,
	)
	return err == nil, err
}

func cancelTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func getSchedule(ctx context.Context, q querier, id string) (*schedule.Schedule, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM schedules WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return decodeSchedule(body)
}

func querySchedules(ctx context.Context, q querier, query string, args ...any) ([]*schedule.Schedule, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []*schedule.Schedule
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc, err := decodeSchedule(body)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func decodeSchedule(body string) (*schedule.Schedule, error) {
	var sc schedule.Schedule
	if err := json.Unmarshal([]byte(body), &sc); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	return &sc, nil
}

func asWriteError(op, id string, err error) error {
	var we *WriteError
	if errors.As(err, &we) {
		return err
	}
	return &WriteError{Op: op, ID: id, Err: err}
}
