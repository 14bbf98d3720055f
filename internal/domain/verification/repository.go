package verification

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinicops/visitauth/internal/audit"
	"github.com/clinicops/visitauth/internal/domain/errs"
	"github.com/clinicops/visitauth/internal/infrastructure/postgres"
)

// Repository is the PostgreSQL Store
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

const verificationCols = `id, visit_id, card_no, visit_type, referral_no, remarks, card_status,
	outcome, authorization_no, member_name, authority_remarks, failure, raw_response, actor_id, created_at, active`

// Record inserts v. The visit row is locked first so concurrent verifications of
// the same visit serialize on it; verifications_one_active_idx backs this up.
func (r *Repository) Record(ctx context.Context, v *Verification) error {
	v.ensureIdentity()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM visits WHERE id = $1 FOR UPDATE`, v.VisitID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("visit %s: %w", v.VisitID, errs.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock visit: %w", err)
	}

	if v.Active {
		tag, err := tx.Exec(ctx,
			`UPDATE verifications SET active = FALSE WHERE visit_id = $1 AND active`, v.VisitID)
		if err != nil {
			return fmt.Errorf("deactivate verifications: %w", err)
		}
		if tag.RowsAffected() > 0 {
			r.logger.Debug("superseded active verification", zap.String("visit_id", v.VisitID))
		}
	}

	var raw any
	if len(v.RawResponse) > 0 {
		raw = []byte(v.RawResponse)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO verifications (`+verificationCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		v.ID, v.VisitID, v.CardNo, v.VisitType, v.ReferralNo, v.Remarks, v.CardStatus,
		v.Outcome, v.AuthorizationNo, v.MemberName, v.AuthorityRemarks, v.Failure, raw, v.ActorID, v.CreatedAt, v.Active,
	)
	if err != nil {
		return fmt.Errorf("insert verification: %w", err)
	}

	if err := postgres.WriteAuditEvents(ctx, tx, []audit.Event{recordedEvent(v)}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) Active(ctx context.Context, visitID string) (*Verification, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+verificationCols+` FROM verifications WHERE visit_id = $1 AND active`, visitID)
	v, err := scanVerification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// Latest returns the most recent attempt, active or not, or nil when there is none
func (r *Repository) Latest(ctx context.Context, visitID string) (*Verification, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+verificationCols+` FROM verifications
		WHERE visit_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, visitID)
	v, err := scanVerification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (r *Repository) History(ctx context.Context, visitID string) ([]*Verification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+verificationCols+` FROM verifications
		WHERE visit_id = $1
		ORDER BY created_at DESC, id DESC
	`, visitID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVerification(row pgx.Row) (*Verification, error) {
	v := &Verification{}
	var raw []byte
	err := row.Scan(
		&v.ID, &v.VisitID, &v.CardNo, &v.VisitType, &v.ReferralNo, &v.Remarks, &v.CardStatus,
		&v.Outcome, &v.AuthorizationNo, &v.MemberName, &v.AuthorityRemarks, &v.Failure, &raw, &v.ActorID, &v.CreatedAt, &v.Active,
	)
	if err != nil {
		return nil, err
	}
	v.RawResponse = raw
	return v, nil
}
