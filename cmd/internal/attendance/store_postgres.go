package attendance

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - RecordCheckIn and RotateToken lock the session row with SELECT ... FOR UPDATE,
//     so admissions never observe a token that was already rotated away.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "attend").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("attendance: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("attendance: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "attend",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("attendance: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const sessionColumns = `id, name, location, status, current_token, token_rotated_at,
	starts_at, expires_at, notes, created_by, created_at, updated_at, closed_at`

const checkInColumns = `id, session_id, name, email, location, checked_in_at, user_id, source, recorded_by`

func (s *PostgresStore) CreateSession(ctx context.Context, in Session) (Session, error) {
	const op = "attendance.PostgresStore.CreateSession"

	sessions := pgIdent(s.schema, "sessions")
	var out Session
	err := pgxscan.Get(ctx, s.pool, &out,
		`INSERT INTO `+sessions+` (
		     id, name, location, status, current_token, token_rotated_at,
		     starts_at, expires_at, notes, created_by, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+sessionColumns,
		in.ID, in.Name, in.Location, string(in.Status), in.CurrentToken, in.TokenRotatedAt,
		in.StartsAt, in.ExpiresAt, in.Notes, in.CreatedBy, in.CreatedAt, in.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "sessions_current_token_key") {
			return Session{}, ErrTokenConflict
		}
		return Session{}, storageErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	const op = "attendance.PostgresStore.GetSession"

	var out Session
	err := pgxscan.Get(ctx, s.pool, &out,
		`SELECT `+sessionColumns+` FROM `+pgIdent(s.schema, "sessions")+` WHERE id = $1`, id)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Session{}, notFound(op, id)
		}
		return Session{}, storageErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, f ListSessionsFilter) ([]Session, error) {
	const op = "attendance.PostgresStore.ListSessions"

	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if !f.UsableAt.IsZero() {
		args = append(args, f.UsableAt)
		n := strconv.Itoa(len(args))
		where = append(where, "status = 'ACTIVE' AND starts_at <= $"+n+" AND expires_at >= $"+n)
	}
	args = append(args, clampLimit(f.Limit))

	q := `SELECT ` + sessionColumns + ` FROM ` + pgIdent(s.schema, "sessions")
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	out := make([]Session, 0)
	if err := pgxscan.Select(ctx, s.pool, &out, q, args...); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateNotes(ctx context.Context, id, notes string, now time.Time) (Session, error) {
	const op = "attendance.PostgresStore.UpdateNotes"

	var out Session
	err := pgxscan.Get(ctx, s.pool, &out,
		`UPDATE `+pgIdent(s.schema, "sessions")+`
		    SET notes = $2, updated_at = $3
		  WHERE id = $1
		RETURNING `+sessionColumns,
		id, notes, now,
	)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Session{}, notFound(op, id)
		}
		return Session{}, storageErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) RotateToken(ctx context.Context, id, newToken string, now time.Time) (Session, error) {
	const op = "attendance.PostgresStore.RotateToken"

	var out Session
	err := s.inTx(ctx, op, func(tx pgx.Tx) error {
		cur, err := lockSession(ctx, tx, s.schema, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return notFound(op, id)
		}
		if cur.Status == StatusClosed {
			return OpError{Op: op, Kind: ErrSessionClosed, Msg: "session " + id}
		}
		err = pgxscan.Get(ctx, tx, &out,
			`UPDATE `+pgIdent(s.schema, "sessions")+`
			    SET current_token = $2, token_rotated_at = $3, updated_at = $3
			  WHERE id = $1
			RETURNING `+sessionColumns,
			id, newToken, now,
		)
		if isUniqueViolation(err, "sessions_current_token_key") {
			return ErrTokenConflict
		}
		return err
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, id string, now time.Time) (Session, bool, error) {
	const op = "attendance.PostgresStore.CloseSession"

	var (
		out     Session
		changed bool
	)
	err := s.inTx(ctx, op, func(tx pgx.Tx) error {
		cur, err := lockSession(ctx, tx, s.schema, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return notFound(op, id)
		}
		if cur.Status == StatusClosed {
			out = *cur
			return nil
		}
		changed = true
		return pgxscan.Get(ctx, tx, &out,
			`UPDATE `+pgIdent(s.schema, "sessions")+`
			    SET status = 'CLOSED', closed_at = $2, updated_at = $2
			  WHERE id = $1
			RETURNING `+sessionColumns,
			id, now,
		)
	})
	if err != nil {
		return Session{}, false, err
	}
	return out, changed, nil
}

func (s *PostgresStore) FindActiveByToken(ctx context.Context, tok string) (Session, error) {
	const op = "attendance.PostgresStore.FindActiveByToken"

	var out Session
	err := pgxscan.Get(ctx, s.pool, &out,
		`SELECT `+sessionColumns+` FROM `+pgIdent(s.schema, "sessions")+`
		  WHERE current_token = $1 AND status = 'ACTIVE'`, tok)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Session{}, OpError{Op: op, Kind: ErrNotFound, Msg: "token"}
		}
		return Session{}, storageErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) RecordCheckIn(ctx context.Context, sessionID string, admit AdmitFunc) (CheckIn, error) {
	const op = "attendance.PostgresStore.RecordCheckIn"

	var out CheckIn
	err := s.inTx(ctx, op, func(tx pgx.Tx) error {
		cur, err := lockSession(ctx, tx, s.schema, sessionID)
		if err != nil {
			return err
		}
		ci, err := admit(cur)
		if err != nil {
			return err
		}
		return pgxscan.Get(ctx, tx, &out,
			`INSERT INTO `+pgIdent(s.schema, "check_ins")+` (`+checkInColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING `+checkInColumns,
			ci.ID, ci.SessionID, ci.Name, ci.Email, ci.Location, ci.CheckedInAt,
			ci.UserID, string(ci.Source), ci.RecordedBy,
		)
	})
	if err != nil {
		return CheckIn{}, err
	}
	return out, nil
}

func (s *PostgresStore) ListCheckIns(ctx context.Context, sessionID string) ([]CheckIn, error) {
	const op = "attendance.PostgresStore.ListCheckIns"

	out := make([]CheckIn, 0)
	err := pgxscan.Select(ctx, s.pool, &out,
		`SELECT `+checkInColumns+` FROM `+pgIdent(s.schema, "check_ins")+`
		  WHERE session_id = $1
		  ORDER BY checked_in_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// StreamCheckIns scans rows one at a time so large exports never buffer the full set.
func (s *PostgresStore) StreamCheckIns(ctx context.Context, sessionID string, fn func(CheckIn) error) error {
	const op = "attendance.PostgresStore.StreamCheckIns"

	rows, err := s.pool.Query(ctx,
		`SELECT `+checkInColumns+` FROM `+pgIdent(s.schema, "check_ins")+`
		  WHERE session_id = $1
		  ORDER BY checked_in_at ASC, id ASC`, sessionID)
	if err != nil {
		return storageErr(op, err)
	}
	defer rows.Close()

	rs := pgxscan.NewRowScanner(rows)
	for rows.Next() {
		var ci CheckIn
		if err := rs.Scan(&ci); err != nil {
			return storageErr(op, err)
		}
		if err := fn(ci); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func (s *PostgresStore) CountCheckIns(ctx context.Context, sessionID string) (int, error) {
	const op = "attendance.PostgresStore.CountCheckIns"

	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(s.schema, "check_ins")+` WHERE session_id = $1`, sessionID,
	).Scan(&n); err != nil {
		return 0, storageErr(op, err)
	}
	return n, nil
}

// inTx runs fn in a read-committed transaction. Errors already carrying a
// package kind pass through; anything else is wrapped as a storage failure.
func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return storageErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		if isDomainErr(err) {
			return err
		}
		return storageErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// lockSession returns the row under FOR UPDATE, or nil when it does not exist.
func lockSession(ctx context.Context, tx pgx.Tx, schema, id string) (*Session, error) {
	var cur Session
	err := pgxscan.Get(ctx, tx, &cur,
		`SELECT `+sessionColumns+` FROM `+pgIdent(schema, "sessions")+` WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &cur, nil
}

func isDomainErr(err error) bool {
	for _, kind := range []error{ErrNotFound, ErrValidation, ErrSessionClosed, ErrSessionExpired, ErrTokenInvalid, ErrStorage, ErrTokenConflict} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// isUniqueViolation matches SQLSTATE 23505, optionally on a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
