package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PGLog persists audit entries in Postgres and tracks per-row stream status
// for the compliance export pipeline.
type PGLog struct {
	db *sql.DB
}

func NewPGLog(db *sql.DB) *PGLog {
	return &PGLog{db: db}
}

func (p *PGLog) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// lastHash returns the latest hash from audit_entries or empty string.
func (p *PGLog) lastHash(ctx context.Context) (string, error) {
	var h sql.NullString
	q := `SELECT hash FROM audit_entries ORDER BY ts DESC LIMIT 1`
	if err := p.db.QueryRowContext(ctx, q).Scan(&h); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	if !h.Valid {
		return "", nil
	}
	return h.String, nil
}

func (p *PGLog) Append(ctx context.Context, e *Entry) error {
	prev, err := p.lastHash(ctx)
	if err != nil {
		return fmt.Errorf("fetch last hash: %w", err)
	}
	hash, err := chainHash(e, prev)
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = NewUUID()
	}
	e.PrevHash = prev
	e.Hash = hash
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	q := `
		INSERT INTO audit_entries
		  (id, action, actor, entity_id, details, prev_hash, hash, ts, stream_status, attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending',0)
	`
	_, err = p.db.ExecContext(ctx, q, e.ID, e.Action, e.Actor, e.EntityID, detailsJSON, e.PrevHash, e.Hash, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (p *PGLog) Get(ctx context.Context, id string) (*Entry, error) {
	q := `SELECT id, action, actor, entity_id, details, prev_hash, hash, ts FROM audit_entries WHERE id=$1`
	e, err := scanEntry(p.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query audit entry: %w", err)
	}
	return e, nil
}

func (p *PGLog) ListByEntity(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, action, actor, entity_id, details, prev_hash, hash, ts
		FROM audit_entries WHERE entity_id=$1 ORDER BY ts DESC LIMIT $2`
	rows, err := p.db.QueryContext(ctx, q, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e            Entry
		detailsBytes []byte
	)
	if err := row.Scan(&e.ID, &e.Action, &e.Actor, &e.EntityID, &detailsBytes, &e.PrevHash, &e.Hash, &e.Timestamp); err != nil {
		return nil, err
	}
	if len(detailsBytes) > 0 && string(detailsBytes) != "null" {
		var details interface{}
		if err := json.Unmarshal(detailsBytes, &details); err != nil {
			// keep raw text rather than losing data
			details = string(detailsBytes)
		}
		e.Details = details
	}
	return &e, nil
}

// FetchPendingForStreaming claims up to limit pending entries for export,
// marking them in_progress. Uses FOR UPDATE SKIP LOCKED so concurrent
// streamers never claim the same rows.
func (p *PGLog) FetchPendingForStreaming(ctx context.Context, limit int) ([]*Entry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := `
		SELECT id, action, actor, entity_id, details, prev_hash, hash, ts
		FROM audit_entries
		WHERE stream_status='pending'
		ORDER BY ts
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending entries: %w", err)
	}
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending entry: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending entries: %w", err)
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`UPDATE audit_entries SET stream_status='in_progress', attempts=attempts+1 WHERE id=$1`, e.ID); err != nil {
			return nil, fmt.Errorf("claim entry %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return entries, nil
}

// MarkStreamed records a successful export.
func (p *PGLog) MarkStreamed(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE audit_entries SET stream_status='streamed', streamed_at=NOW() WHERE id=$1`, id)
	return err
}

// MarkStreamFailed returns the entry to pending so a later poll retries it.
func (p *PGLog) MarkStreamFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE audit_entries SET stream_status='pending', last_error=$2 WHERE id=$1`, id, msg)
	return err
}
