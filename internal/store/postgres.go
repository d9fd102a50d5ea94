package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/domain"
)

const uniqueViolation = "23505"

type postgres struct {
	db  *sql.DB
	clk clock.Clock
}

var _ Store = (*postgres)(nil)

func NewPostgres(db *sql.DB, clk clock.Clock) Store {
	if clk == nil {
		clk = clock.New()
	}
	return &postgres{db: db, clk: clk}
}

const recordColumns = `
	player_id,
	player_uuid,
	auth_token,
	token_expiry,
	otp,
	otp_expiry,
	confirmed,
	web_user_id,
	created_at,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.PlayerAuthRecord, error) {
	var (
		rec       domain.PlayerAuthRecord
		otp       sql.NullString
		otpExpiry sql.NullTime
		webUser   sql.NullString
	)
	if err := row.Scan(
		&rec.PlayerID,
		&rec.PlayerUUID,
		&rec.AuthToken,
		&rec.TokenExpiry,
		&otp,
		&otpExpiry,
		&rec.Confirmed,
		&webUser,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if otp.Valid {
		rec.OTP = &otp.String
	}
	if otpExpiry.Valid {
		t := otpExpiry.Time
		rec.OTPExpiry = &t
	}
	if webUser.Valid {
		rec.WebUserID = &webUser.String
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (p *postgres) UpsertToken(ctx context.Context, playerID, playerUUID, token string, expiry time.Time) (*domain.PlayerAuthRecord, error) {
	if strings.TrimSpace(playerID) == "" || strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("upsert token: player id and token are required")
	}
	const query = `
		INSERT INTO player_auth (player_id, player_uuid, auth_token, token_expiry, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (player_id) DO UPDATE SET
			player_uuid = EXCLUDED.player_uuid,
			auth_token = EXCLUDED.auth_token,
			token_expiry = EXCLUDED.token_expiry,
			updated_at = EXCLUDED.updated_at
		RETURNING` + recordColumns

	rec, err := scanRecord(p.db.QueryRowContext(ctx, query, playerID, playerUUID, token, expiry, p.clk.Now()))
	if err != nil {
		return nil, fmt.Errorf("upsert player token: %w", err)
	}
	return rec, nil
}

func (p *postgres) getOne(ctx context.Context, where string, arg any) (*domain.PlayerAuthRecord, error) {
	query := `SELECT` + recordColumns + ` FROM player_auth WHERE ` + where
	rec, err := scanRecord(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select player record: %w", err)
	}
	return rec, nil
}

func (p *postgres) GetByPlayerID(ctx context.Context, playerID string) (*domain.PlayerAuthRecord, error) {
	return p.getOne(ctx, `player_id = $1`, playerID)
}

func (p *postgres) GetByToken(ctx context.Context, token string) (*domain.PlayerAuthRecord, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNotFound
	}
	return p.getOne(ctx, `auth_token = $1`, token)
}

func (p *postgres) ListByWebUser(ctx context.Context, webUserID string) ([]*domain.PlayerAuthRecord, error) {
	query := `SELECT` + recordColumns + `
		FROM player_auth
		WHERE web_user_id = $1
		ORDER BY updated_at DESC`
	rows, err := p.db.QueryContext(ctx, query, webUserID)
	if err != nil {
		return nil, fmt.Errorf("select player records: %w", err)
	}
	defer rows.Close()

	var out []*domain.PlayerAuthRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan player record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *postgres) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *postgres) SetOTP(ctx context.Context, playerID, code string, expiry time.Time) error {
	const query = `
		UPDATE player_auth
		SET otp = $2, otp_expiry = $3, updated_at = $4
		WHERE player_id = $1`
	n, err := p.exec(ctx, query, playerID, code, expiry, p.clk.Now())
	if err != nil {
		return fmt.Errorf("set otp: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) ClearOTP(ctx context.Context, playerID, expected string) (bool, error) {
	const query = `
		UPDATE player_auth
		SET otp = NULL, otp_expiry = NULL, updated_at = $3
		WHERE player_id = $1 AND otp = $2`
	n, err := p.exec(ctx, query, playerID, expected, p.clk.Now())
	if err != nil {
		return false, fmt.Errorf("clear otp: %w", err)
	}
	return n > 0, nil
}

func (p *postgres) ConsumeOTP(ctx context.Context, playerID, code string, now time.Time) (bool, error) {
	const query = `
		UPDATE player_auth
		SET otp = NULL, otp_expiry = NULL, updated_at = $4
		WHERE player_id = $1 AND otp = $2 AND otp_expiry > $3`
	n, err := p.exec(ctx, query, playerID, code, now, p.clk.Now())
	if err != nil {
		return false, fmt.Errorf("consume otp: %w", err)
	}
	return n > 0, nil
}

func (p *postgres) Confirm(ctx context.Context, playerID string) (bool, error) {
	const query = `
		UPDATE player_auth
		SET confirmed = TRUE, updated_at = $2
		WHERE player_id = $1 AND confirmed = FALSE`
	n, err := p.exec(ctx, query, playerID, p.clk.Now())
	if isUniqueViolation(err) {
		return false, ErrConflict
	}
	if err != nil {
		return false, fmt.Errorf("confirm: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := p.GetByPlayerID(ctx, playerID); err != nil {
		return false, err
	}
	return false, nil
}

func (p *postgres) Reserve(ctx context.Context, playerID, webUserID string) error {
	const query = `
		UPDATE player_auth
		SET web_user_id = $2, updated_at = $3
		WHERE player_id = $1 AND confirmed = FALSE
			AND (web_user_id IS NULL OR web_user_id = $2)`
	n, err := p.exec(ctx, query, playerID, webUserID, p.clk.Now())
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if n > 0 {
		return nil
	}
	rec, err := p.GetByPlayerID(ctx, playerID)
	if err != nil {
		return err
	}
	if rec.Confirmed {
		return ErrAlreadyConfirmed
	}
	return ErrConflict
}

func (p *postgres) Link(ctx context.Context, playerID, webUserID string) error {
	const query = `
		UPDATE player_auth
		SET web_user_id = $2, updated_at = $3
		WHERE player_id = $1 AND confirmed = TRUE
			AND (web_user_id IS NULL OR web_user_id = $2)`
	n, err := p.exec(ctx, query, playerID, webUserID, p.clk.Now())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if n > 0 {
		return nil
	}
	rec, err := p.GetByPlayerID(ctx, playerID)
	if err != nil {
		return err
	}
	if !rec.Confirmed {
		return ErrNotConfirmed
	}
	return ErrConflict
}

func (p *postgres) DeleteExpiredUnconfirmed(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM player_auth WHERE confirmed = FALSE AND token_expiry <= $1`
	n, err := p.exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}
	return n, nil
}

func (p *postgres) CreateUser(ctx context.Context, u *domain.WebUser) error {
	if u == nil {
		return fmt.Errorf("nil web user payload")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = p.clk.Now()
	}
	const query = `
		INSERT INTO web_users (id, username, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := p.db.ExecContext(ctx, query, u.ID, u.Username, u.Email, u.PasswordHash, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateUser
	}
	if err != nil {
		return fmt.Errorf("insert web user: %w", err)
	}
	return nil
}

func (p *postgres) getUser(ctx context.Context, where string, arg any) (*domain.WebUser, error) {
	query := `SELECT id, username, email, password_hash, created_at FROM web_users WHERE ` + where
	var u domain.WebUser
	err := p.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select web user: %w", err)
	}
	return &u, nil
}

func (p *postgres) GetUser(ctx context.Context, id string) (*domain.WebUser, error) {
	return p.getUser(ctx, `id = $1`, id)
}

func (p *postgres) GetUserByUsername(ctx context.Context, username string) (*domain.WebUser, error) {
	return p.getUser(ctx, `lower(username) = lower($1)`, username)
}
