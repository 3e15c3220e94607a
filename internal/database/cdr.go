package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/callctl/internal/message"
)

// CDR is a stored call detail record. Durations are whole seconds.
type CDR struct {
	ID          int64      `json:"id"`
	Token       string     `json:"token"`
	Direction   string     `json:"direction"`
	PartyA      string     `json:"party_a"`
	PartyB      string     `json:"party_b"`
	Created     time.Time  `json:"created"`
	Established *time.Time `json:"established,omitempty"`
	Cleared     time.Time  `json:"cleared"`
	Duration    int64      `json:"duration"`
	BillableDur int64      `json:"billable_duration"`
	Reason      string     `json:"reason"`
}

// NewCDR builds the record for a cleared call from its cleared event.
func NewCDR(token string, reason message.Reason, rec *message.Record) *CDR {
	c := &CDR{
		Token:       token,
		Direction:   rec.Direction,
		PartyA:      rec.PartyA,
		PartyB:      rec.PartyB,
		Created:     rec.Created.UTC(),
		Cleared:     rec.Cleared.UTC(),
		Duration:    int64(rec.Duration().Seconds()),
		BillableDur: int64(rec.BillableDuration().Seconds()),
		Reason:      reason.String(),
	}
	if rec.Established != nil {
		est := rec.Established.UTC()
		c.Established = &est
	}
	return c
}

// CDRListFilter holds optional filters and pagination for listing CDRs.
type CDRListFilter struct {
	Direction string
	Reason    string
	Party     string // substring of either party
	Since     time.Time
	Limit     int
	Offset    int
}

// CDRRepository manages call detail records.
type CDRRepository interface {
	Create(ctx context.Context, cdr *CDR) error
	GetByToken(ctx context.Context, token string) (*CDR, error)
	List(ctx context.Context, filter CDRListFilter) ([]CDR, int, error)
	CountByReason(ctx context.Context) (map[string]int64, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// cdrRepo implements CDRRepository.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

const cdrColumns = `id, token, direction, party_a, party_b, created_at,
	established_at, cleared_at, duration, billable_dur, reason`

// Create inserts a new call detail record.
func (r *cdrRepo) Create(ctx context.Context, cdr *CDR) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (token, direction, party_a, party_b, created_at,
		 established_at, cleared_at, duration, billable_dur, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cdr.Token, cdr.Direction, cdr.PartyA, cdr.PartyB, cdr.Created,
		cdr.Established, cdr.Cleared, cdr.Duration, cdr.BillableDur, cdr.Reason,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cdr.ID = id
	return nil
}

// GetByToken returns the CDR of a call, or nil if there is none.
func (r *cdrRepo) GetByToken(ctx context.Context, token string) (*CDR, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE token = ?`, token)

	var c CDR
	err := scanCDR(row, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return &c, nil
}

// List returns CDRs matching the filter, newest first, along with the
// total count.
func (r *cdrRepo) List(ctx context.Context, filter CDRListFilter) ([]CDR, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Reason != "" {
		where += " AND reason = ?"
		args = append(args, filter.Reason)
	}
	if filter.Party != "" {
		where += " AND (party_a LIKE ? OR party_b LIKE ?)"
		s := "%" + filter.Party + "%"
		args = append(args, s, s)
	}
	if !filter.Since.IsZero() {
		where += " AND cleared_at >= ?"
		args = append(args, filter.Since.UTC())
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cdrs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdrs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + cdrColumns + ` FROM cdrs WHERE ` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing cdrs: %w", err)
	}
	defer rows.Close()

	var cdrs []CDR
	for rows.Next() {
		var c CDR
		if err := scanCDR(rows, &c); err != nil {
			return nil, 0, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating cdr rows: %w", err)
	}

	return cdrs, total, nil
}

// CountByReason returns the number of stored records per end reason.
func (r *cdrRepo) CountByReason(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT reason, COUNT(*) FROM cdrs GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("counting cdrs by reason: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scanning reason count: %w", err)
		}
		counts[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reason counts: %w", err)
	}
	return counts, nil
}

// DeleteBefore removes records of calls cleared before the given time and
// returns how many were removed.
func (r *cdrRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM cdrs WHERE cleared_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting old cdrs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted cdrs: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCDR(s scanner, c *CDR) error {
	return s.Scan(&c.ID, &c.Token, &c.Direction, &c.PartyA, &c.PartyB,
		&c.Created, &c.Established, &c.Cleared, &c.Duration, &c.BillableDur, &c.Reason)
}
