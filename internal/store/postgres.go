package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"otpattend/internal/otp"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db}, db.PingContext(context.Background())
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS otp_credentials (
	session_id    TEXT        NOT NULL,
	generation    BIGINT      NOT NULL,
	code          TEXT        NOT NULL,
	issued_at     TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	superseded_at TIMESTAMPTZ,
	PRIMARY KEY (session_id, generation)
);

CREATE UNIQUE INDEX IF NOT EXISTS otp_credentials_current
	ON otp_credentials (session_id) WHERE superseded_at IS NULL;

CREATE TABLE IF NOT EXISTS otp_redemptions (
	session_id  TEXT        NOT NULL,
	subject_id  TEXT        NOT NULL,
	generation  BIGINT      NOT NULL,
	redeemed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, subject_id, generation)
);

CREATE TABLE IF NOT EXISTS attendance_events (
	id          TEXT        PRIMARY KEY,
	session_id  TEXT        NOT NULL,
	subject_id  TEXT        NOT NULL,
	generation  BIGINT      NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (session_id, subject_id, generation)
);
`

// Migrate creates the tables used by the credential store and the ledger.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.Client.ExecContext(ctx, schema)
	return err
}

// Postgres is a CredentialStore backed by Postgres. Row locks on the
// session's current credential serialize issuance against redemption.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database. Call DB.Migrate first.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const credentialColumns = `session_id, code, issued_at, expires_at, generation, superseded_at`

func scanCredential(row interface{ Scan(...any) error }) (otp.Credential, error) {
	var (
		c          otp.Credential
		gen        int64
		superseded sql.NullTime
	)
	if err := row.Scan(&c.SessionID, &c.Code, &c.IssuedAt, &c.ExpiresAt, &gen, &superseded); err != nil {
		return otp.Credential{}, err
	}
	c.Generation = uint64(gen)
	if superseded.Valid {
		t := superseded.Time
		c.SupersededAt = &t
	}
	return c, nil
}

// Current implements CredentialStore.
func (p *Postgres) Current(ctx context.Context, sessionID string) (otp.Credential, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM otp_credentials
		WHERE session_id = $1 AND superseded_at IS NULL
	`, sessionID)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return otp.Credential{}, otp.ErrNotFound
	}
	return c, err
}

// Replace implements CredentialStore.
func (p *Postgres) Replace(ctx context.Context, next otp.Credential, prevGeneration uint64) error {
	if next.Generation <= prevGeneration {
		return otp.ErrGenerationConflict
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT generation FROM otp_credentials
		WHERE session_id = $1 AND superseded_at IS NULL
		FOR UPDATE
	`, next.SessionID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if uint64(current) != prevGeneration {
		return otp.ErrGenerationConflict
	}

	if prevGeneration > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE otp_credentials SET superseded_at = $3
			WHERE session_id = $1 AND generation = $2
		`, next.SessionID, int64(prevGeneration), next.IssuedAt); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO otp_credentials (session_id, generation, code, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, next.SessionID, int64(next.Generation), next.Code, next.IssuedAt, next.ExpiresAt)
	if isUniqueViolation(err) {
		return otp.ErrGenerationConflict
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return otp.ErrGenerationConflict
		}
		return err
	}
	return nil
}

// History implements CredentialStore.
func (p *Postgres) History(ctx context.Context, sessionID string) ([]otp.Credential, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+credentialColumns+`
		FROM otp_credentials
		WHERE session_id = $1
		ORDER BY generation
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []otp.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Redeem implements CredentialStore.
func (p *Postgres) Redeem(ctx context.Context, rec otp.RedemptionRecord) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// FOR SHARE conflicts with the FOR UPDATE taken by Replace.
	var current bool
	err = tx.QueryRowContext(ctx, `
		SELECT superseded_at IS NULL FROM otp_credentials
		WHERE session_id = $1 AND generation = $2
		FOR SHARE
	`, rec.SessionID, int64(rec.Generation)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return otp.ErrSuperseded
	}
	if err != nil {
		return err
	}
	if !current {
		return otp.ErrSuperseded
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO otp_redemptions (session_id, subject_id, generation, redeemed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, subject_id, generation) DO NOTHING
	`, rec.SessionID, rec.SubjectID, int64(rec.Generation), rec.RedeemedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return otp.ErrAlreadyRedeemed
	}
	return tx.Commit()
}

// Redemption implements CredentialStore.
func (p *Postgres) Redemption(ctx context.Context, key otp.RedemptionKey) (otp.RedemptionRecord, error) {
	rec := otp.RedemptionRecord{SessionID: key.SessionID, SubjectID: key.SubjectID, Generation: key.Generation}
	err := p.db.QueryRowContext(ctx, `
		SELECT redeemed_at FROM otp_redemptions
		WHERE session_id = $1 AND subject_id = $2 AND generation = $3
	`, key.SessionID, key.SubjectID, int64(key.Generation)).Scan(&rec.RedeemedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return otp.RedemptionRecord{}, otp.ErrNotFound
	}
	if err != nil {
		return otp.RedemptionRecord{}, err
	}
	return rec, nil
}

// Redemptions implements CredentialStore.
func (p *Postgres) Redemptions(ctx context.Context, sessionID string) ([]otp.RedemptionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, subject_id, generation, redeemed_at
		FROM otp_redemptions
		WHERE session_id = $1
		ORDER BY redeemed_at, generation, subject_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []otp.RedemptionRecord
	for rows.Next() {
		var (
			rec otp.RedemptionRecord
			gen int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.SubjectID, &gen, &rec.RedeemedAt); err != nil {
			return nil, err
		}
		rec.Generation = uint64(gen)
		out = append(out, rec)
	}
	return out, rows.Err()
}
