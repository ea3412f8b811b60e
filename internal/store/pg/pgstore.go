package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"jitadmin.org/internal/grant"
	"jitadmin.org/internal/ids"
)

// Store is the Postgres grant store. State changes go through a conditional
// UPDATE keyed on the stored state, which is the compare-and-swap that keeps
// parallel scheduler workers from double-processing a grant.
type Store struct {
	db *sql.DB
}

var _ grant.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool (tests, shared pools).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const grantColumns = `id, tenant, subject_mode, first_name, last_name, username, domain,
	subject_user_id, roles, window_start, window_end, use_tap, expire_action,
	notify_channels, state, resolved_user_id, tap_issued, last_error, failed_from,
	activate_attempts, expire_attempts, next_attempt_at, created_at, updated_at`

func (s *Store) Insert(ctx context.Context, g *grant.Grant) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Overlap check against every grant still occupying its window for the
	// same subject identity: pending through expiring, plus failures that
	// still have a retry scheduled.
	var exists int
	err = tx.QueryRowContext(ctx, `
		select 1 from grants
		where tenant = $1
		  and coalesce(nullif(resolved_user_id, ''), subject_key) = $2
		  and (state in ('pending','activating','active','expiring')
		       or (state = 'failed' and next_attempt_at is not null))
		  and window_start < $4
		  and $3 < window_end
		limit 1
	`, g.Tenant, g.Subject.Key(), g.Window.Start, g.Window.End).Scan(&exists)
	if err == nil {
		return grant.ErrDuplicateWindow
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if g.ID == "" {
		g.ID = ids.New()
	}
	now := time.Now().UTC()
	g.State = grant.StatePending
	g.CreatedAt = now
	g.UpdatedAt = now

	rolesJSON, err := json.Marshal(g.Roles)
	if err != nil {
		return err
	}
	channelsJSON, err := json.Marshal(g.NotifyChannels)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into grants(
			id, tenant, subject_mode, first_name, last_name, username, domain,
			subject_user_id, subject_key, roles, window_start, window_end,
			use_tap, expire_action, notify_channels, state, created_at, updated_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, g.ID, g.Tenant, string(g.Subject.Mode), g.Subject.FirstName, g.Subject.LastName,
		g.Subject.Username, g.Subject.Domain, g.Subject.UserID, g.Subject.Key(),
		rolesJSON, g.Window.Start, g.Window.End, g.UseTAP, string(g.ExpireAction),
		channelsJSON, string(g.State), g.CreatedAt, g.UpdatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (*grant.Grant, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+grantColumns+` from grants where id = $1`, id)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) ListDue(ctx context.Context, kind grant.DueKind, asOf time.Time) ([]*grant.Grant, error) {
	var query string
	args := []any{asOf}
	switch kind {
	case grant.DueActivation:
		query = `select ` + grantColumns + ` from grants
			where (state = 'pending' and window_start <= $1)
			   or (state = 'activating' and updated_at <= $2)
			   or (state = 'failed' and failed_from = 'pending'
			       and next_attempt_at is not null and next_attempt_at <= $1)
			order by window_start asc`
		args = append(args, asOf.Add(-grant.StaleClaimAfter))
	case grant.DueExpiry:
		query = `select ` + grantColumns + ` from grants
			where (state = 'active' and window_end <= $1)
			   or state = 'expiring'
			   or (state = 'failed' and failed_from = 'expiring'
			       and next_attempt_at is not null and next_attempt_at <= $1)
			order by window_end asc`
	default:
		return nil, fmt.Errorf("unknown due kind %q", kind)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGrants(rows)
}

func (s *Store) UpdateState(ctx context.Context, id string, expected, next grant.State, upd grant.StateUpdate) error {
	if !grant.CanTransition(expected, next) {
		return grant.ErrInvalidTransition
	}

	set := []string{"state = $1", "updated_at = $2"}
	args := []any{string(next), time.Now().UTC()}
	add := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}

	if upd.ResolvedUserID != nil {
		add("resolved_user_id = $%d", *upd.ResolvedUserID)
	}
	if upd.LastError != nil {
		add("last_error = $%d", *upd.LastError)
	}
	if upd.FailedFrom != nil {
		add("failed_from = $%d", string(*upd.FailedFrom))
	}
	if upd.ActivateAttempts != nil {
		add("activate_attempts = $%d", *upd.ActivateAttempts)
	}
	if upd.ExpireAttempts != nil {
		add("expire_attempts = $%d", *upd.ExpireAttempts)
	}
	if upd.NextAttemptAt != nil {
		add("next_attempt_at = $%d", upd.NextAttemptAt.UTC())
	}
	if upd.ClearNextAttempt {
		set = append(set, "next_attempt_at = null")
	}
	if upd.TAPIssued != nil {
		add("tap_issued = $%d", *upd.TAPIssued)
	}

	args = append(args, id)
	idArg := len(args)
	args = append(args, string(expected))
	expectedArg := len(args)

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`update grants set %s where id = $%d and state = $%d`,
		strings.Join(set, ", "), idArg, expectedArg), args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	// Lost the race or the grant never existed; tell them apart.
	var one int
	err = s.db.QueryRowContext(ctx, `select 1 from grants where id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.ErrNotFound
	}
	if err != nil {
		return err
	}
	return grant.ErrConflict
}

func (s *Store) ListByTenant(ctx context.Context, tenant string, f grant.Filter) ([]*grant.Grant, error) {
	where := []string{"tenant = $1"}
	args := []any{tenant}

	if f.SubjectKey != "" {
		args = append(args, f.SubjectKey)
		where = append(where, fmt.Sprintf(
			"coalesce(nullif(resolved_user_id, ''), subject_key) = $%d", len(args)))
	}
	if len(f.States) > 0 {
		placeholders := make([]string, 0, len(f.States))
		for _, st := range f.States {
			args = append(args, string(st))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, fmt.Sprintf("state in (%s)", strings.Join(placeholders, ",")))
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`select %s from grants where %s order by id desc limit $%d`,
		grantColumns, strings.Join(where, " and "), len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGrants(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*grant.Grant, error) {
	var (
		g             grant.Grant
		mode          string
		rolesJSON     []byte
		channelsJSON  []byte
		expireAction  string
		state         string
		failedFrom    string
		nextAttemptAt sql.NullTime
	)
	err := row.Scan(
		&g.ID, &g.Tenant, &mode, &g.Subject.FirstName, &g.Subject.LastName,
		&g.Subject.Username, &g.Subject.Domain, &g.Subject.UserID, &rolesJSON,
		&g.Window.Start, &g.Window.End, &g.UseTAP, &expireAction, &channelsJSON,
		&state, &g.ResolvedUserID, &g.TAPIssued, &g.LastError, &failedFrom,
		&g.ActivateAttempts, &g.ExpireAttempts, &nextAttemptAt,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.Subject.Mode = grant.SubjectMode(mode)
	g.ExpireAction = grant.ExpireAction(expireAction)
	g.State = grant.State(state)
	g.FailedFrom = grant.State(failedFrom)
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time.UTC()
		g.NextAttemptAt = &t
	}
	if len(rolesJSON) > 0 {
		if err := json.Unmarshal(rolesJSON, &g.Roles); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
	}
	if len(channelsJSON) > 0 {
		if err := json.Unmarshal(channelsJSON, &g.NotifyChannels); err != nil {
			return nil, fmt.Errorf("decode notify channels: %w", err)
		}
	}
	return &g, nil
}

func collectGrants(rows *sql.Rows) ([]*grant.Grant, error) {
	var out []*grant.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
