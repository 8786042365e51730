package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/audix/audix/internal/auth"
	"github.com/audix/audix/internal/domain"
)

var pinRx = regexp.MustCompile(`^\d{4}$`)

// Postgres implements Store on a pgx pool.
type Postgres struct {
	pool   *pgxpool.Pool
	hasher *auth.Hasher
}

func NewPostgres(pool *pgxpool.Pool, hasher *auth.Hasher) *Postgres {
	return &Postgres{pool: pool, hasher: hasher}
}

func (s *Postgres) CreateAccessRequest(ctx context.Context, flatID domain.FlatID, name string) (*AccessRequestResult, error) {
	if flatID == "" || name == "" {
		return nil, domain.ErrMissingFields
	}

	var res AccessRequestResult
	err := s.pool.QueryRow(ctx,
		`SELECT id, status FROM flat_requests
		 WHERE flat_id = $1 AND status = 'PENDING'
		 ORDER BY id DESC LIMIT 1`,
		flatID,
	).Scan(&res.ID, &res.Status)
	if err == nil {
		res.Reused = true
		return &res, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	now := time.Now()
	err = s.pool.QueryRow(ctx,
		`INSERT INTO flat_requests (flat_id, name, note, status, created_at, updated_at)
		 VALUES ($1, $2, '', 'PENDING', $3, $3)
		 RETURNING id`,
		flatID, name, now,
	).Scan(&res.ID)
	if err != nil {
		return nil, err
	}
	res.Status = domain.RequestPending
	log.Info().Str("module", "store").Str("flat", string(flatID)).Int64("id", res.ID).Msg("access request created")
	return &res, nil
}

func (s *Postgres) GetSetupStatus(ctx context.Context, flatID domain.FlatID) (*SetupStatus, error) {
	if flatID == "" {
		return nil, domain.ErrMissingFlatID
	}

	out := &SetupStatus{}

	var req domain.FlatRequest
	err := s.pool.QueryRow(ctx,
		`SELECT id, flat_id, name, note, status, created_at, updated_at
		 FROM flat_requests WHERE flat_id = $1
		 ORDER BY id DESC LIMIT 1`,
		flatID,
	).Scan(&req.ID, &req.FlatID, &req.Name, &req.Note, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	switch {
	case err == nil:
		out.Request = &req
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, err
	}

	var (
		status   string
		pinHash  []byte
		banUntil *time.Time
		revoke   bool
	)
	err = s.pool.QueryRow(ctx,
		`SELECT status, pin_hash, ban_until, requires_admin_revoke
		 FROM flats WHERE flat_id = $1`,
		flatID,
	).Scan(&status, &pinHash, &banUntil, &revoke)
	switch {
	case err == nil:
		out.Flat = &FlatStatus{
			Status:              status,
			PinSet:              len(pinHash) > 0,
			Banned:              banUntil != nil && banUntil.After(time.Now()),
			RequiresAdminRevoke: revoke,
		}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, err
	}

	return out, nil
}

func (s *Postgres) SetupPinWithCode(ctx context.Context, flatID domain.FlatID, code, pin4, password string) error {
	if flatID == "" || code == "" || pin4 == "" {
		return domain.ErrMissingFields
	}
	if !pinRx.MatchString(pin4) {
		return domain.ErrPinMustBe4Digits
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM flats WHERE flat_id = $1 FOR UPDATE`, flatID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrFlatNotFound
	}
	if err != nil {
		return err
	}
	if status != domain.FlatActive {
		return domain.ErrFlatDisabled
	}

	rows, err := tx.Query(ctx,
		`SELECT id, code_hash, expires_at, used_at FROM setup_codes
		 WHERE flat_id = $1
		 ORDER BY id DESC LIMIT 5
		 FOR UPDATE`,
		flatID,
	)
	if err != nil {
		return err
	}

	type candidate struct {
		id   int64
		hash []byte
	}
	var valid []candidate
	now := time.Now()
	for rows.Next() {
		var (
			id        int64
			hash      []byte
			expiresMs int64
			usedAt    *time.Time
		)
		if err := rows.Scan(&id, &hash, &expiresMs, &usedAt); err != nil {
			rows.Close()
			return err
		}
		if usedAt == nil && time.UnixMilli(expiresMs).After(now) {
			valid = append(valid, candidate{id: id, hash: hash})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(valid) == 0 {
		return domain.ErrNoValidCode
	}

	matched := int64(0)
	for _, c := range valid {
		if s.hasher.Verify(ctx, c.hash, code) {
			matched = c.id
			break
		}
	}
	if matched == 0 {
		return domain.ErrInvalidCode
	}

	pinHash, err := s.hasher.Hash(ctx, pin4)
	if err != nil {
		return err
	}
	if password != "" {
		passHash, err := s.hasher.Hash(ctx, password)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE flats SET pin_hash = $1, password_hash = $2, updated_at = NOW() WHERE flat_id = $3`,
			pinHash, passHash, flatID)
		if err != nil {
			return err
		}
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE flats SET pin_hash = $1, updated_at = NOW() WHERE flat_id = $2`,
			pinHash, flatID)
		if err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE setup_codes SET used_at = NOW() WHERE id = $1`, matched); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if err := s.InsertAuditEntry(ctx, string(flatID), "setup_pin", ""); err != nil {
		log.Error().Err(err).Str("module", "store").Msg("audit write failed")
	}
	log.Info().Str("module", "store").Str("flat", string(flatID)).Msg("pin set")
	return nil
}

func (s *Postgres) LoginFlat(ctx context.Context, flatID domain.FlatID, pin4, password string) (domain.FlatID, error) {
	var (
		status   string
		pinHash  []byte
		passHash []byte
		banUntil *time.Time
		revoke   bool
	)
	err := s.pool.QueryRow(ctx,
		`SELECT status, pin_hash, password_hash, ban_until, requires_admin_revoke
		 FROM flats WHERE flat_id = $1`,
		flatID,
	).Scan(&status, &pinHash, &passHash, &banUntil, &revoke)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrFlatNotFound
	}
	if err != nil {
		return "", err
	}

	now := time.Now()
	switch {
	case status != domain.FlatActive:
		return "", domain.ErrFlatDisabled
	case banUntil != nil && banUntil.After(now):
		return "", &domain.BannedError{Until: *banUntil}
	case revoke:
		return "", domain.ErrAdminRevokeRequired
	case len(pinHash) == 0:
		return "", domain.ErrPinNotSet
	case !pinRx.MatchString(pin4):
		return "", domain.ErrInvalidPin
	}

	if len(passHash) > 0 && password == "" {
		return "", domain.ErrPasswordRequired
	}
	if !s.hasher.Verify(ctx, pinHash, pin4) {
		return "", domain.ErrInvalidCredentials
	}
	if len(passHash) > 0 && !s.hasher.Verify(ctx, passHash, password) {
		return "", domain.ErrInvalidCredentials
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE flats SET last_login_at = NOW(), updated_at = NOW() WHERE flat_id = $1`,
		flatID); err != nil {
		return "", err
	}

	if err := s.InsertAuditEntry(ctx, string(flatID), "login", ""); err != nil {
		log.Error().Err(err).Str("module", "store").Msg("audit write failed")
	}
	return flatID, nil
}

// sessionPayload is the shape stored in user_sessions.sess. It mirrors
// what the previous session store wrote so existing rows stay readable.
type sessionPayload struct {
	User struct {
		FlatID string `json:"flat_id"`
	} `json:"user"`
}

func (s *Postgres) CreateSession(ctx context.Context, sid string, flatID domain.FlatID, expire time.Time) error {
	var payload sessionPayload
	payload.User.FlatID = string(flatID)
	sess, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO user_sessions (sid, sess, expire) VALUES ($1, $2, $3)
		 ON CONFLICT (sid) DO UPDATE SET sess = EXCLUDED.sess, expire = EXCLUDED.expire`,
		sid, sess, expire)
	return err
}

func (s *Postgres) GetSession(ctx context.Context, sid string) (domain.FlatID, bool, error) {
	var (
		sess   []byte
		expire time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT sess, expire FROM user_sessions WHERE sid = $1`, sid,
	).Scan(&sess, &expire)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !expire.After(time.Now()) {
		// Lazy expiry: reap the row on first read past its deadline.
		_, _ = s.pool.Exec(ctx, `DELETE FROM user_sessions WHERE sid = $1`, sid)
		return "", false, nil
	}
	var payload sessionPayload
	if err := json.Unmarshal(sess, &payload); err != nil {
		return "", false, err
	}
	return domain.FlatID(payload.User.FlatID), true, nil
}

func (s *Postgres) DeleteSession(ctx context.Context, sid string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_sessions WHERE sid = $1`, sid)
	return err
}

func (s *Postgres) InsertAuditEntry(ctx context.Context, actor, action, detail string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO admin_audit (actor, action, detail) VALUES ($1, $2, $3)`,
		actor, action, detail)
	return err
}
