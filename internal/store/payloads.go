package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/automation/internal/remotedata"
)

// SavePayload upserts the row for p.Type.
func (s *Store) SavePayload(ctx context.Context, p remotedata.Payload) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode payload metadata: %w", err)
	}
	data := compress(p.Data)
	err = retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO remote_data (type, timestamp, metadata, data) VALUES (?, ?, ?, ?)
			 ON CONFLICT(type) DO UPDATE SET
			   timestamp = excluded.timestamp,
			   metadata  = excluded.metadata,
			   data      = excluded.data`,
			p.Type, p.Timestamp, string(meta), data,
		)
		return err
	})
	if err != nil {
		return &WriteError{Op: "save payload", ID: p.Type, Err: err}
	}
	return nil
}

// LoadPayloads returns every stored payload row.
func (s *Store) LoadPayloads(ctx context.Context) ([]remotedata.Payload, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, timestamp, metadata, data FROM remote_data ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("query payloads: %w", err)
	}
	defer rows.Close()
	var out []remotedata.Payload
	for rows.Next() {
		p, err := scanPayload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPayload returns the stored payload for type t.
func (s *Store) GetPayload(ctx context.Context, t string) (remotedata.Payload, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT type, timestamp, metadata, data FROM remote_data WHERE type = ?`, t)
	p, err := scanPayload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return remotedata.EmptyPayload(t), false, nil
	}
	if err != nil {
		return remotedata.Payload{}, false, err
	}
	return p, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayload(row scanner) (remotedata.Payload, error) {
	var (
		p    remotedata.Payload
		meta string
		data []byte
	)
	if err := row.Scan(&p.Type, &p.Timestamp, &meta, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan payload: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
		return p, fmt.Errorf("decode payload metadata %s: %w", p.Type, err)
	}
	raw, err := decompress(data)
	if err != nil {
		return p, fmt.Errorf("payload %s: %w", p.Type, err)
	}
	if len(raw) > 0 {
		p.Data = json.RawMessage(raw)
	}
	return p, nil
}
