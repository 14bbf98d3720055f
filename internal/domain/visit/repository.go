package visit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

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

const visitCols = `id, patient_id, visit_at, department, funding_type, insurer, status,
	cancel_reason, cash_reason, version, created_at, updated_at, created_by, updated_by`

// Create inserts a new visit together with its audit events
func (r *Repository) Create(ctx context.Context, v *Visit) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO visits (` + visitCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11, $12, $13)
	`
	_, err = tx.Exec(ctx, query,
		v.ID, v.PatientID, v.VisitAt, v.Department, v.FundingType, v.Insurer, v.Status,
		v.CancelReason, v.CashReason, v.CreatedAt, v.UpdatedAt, v.CreatedBy, v.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}

	if err := postgres.WriteAuditEvents(ctx, tx, v.Changes()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	v.Version = 1
	v.ClearChanges()
	return nil
}

// Get loads a visit by ID
func (r *Repository) Get(ctx context.Context, id string) (*Visit, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+visitCols+` FROM visits WHERE id = $1`, id)
	v, err := scanVisit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("visit %s: %w", id, errs.ErrNotFound)
	}
	return v, err
}

// Save persists a transition. The version check makes concurrent transitions on
// the same visit fail instead of overwriting each other.
func (r *Repository) Save(ctx context.Context, v *Visit) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE visits SET
			department = $3, funding_type = $4, insurer = $5, status = $6,
			cancel_reason = $7, cash_reason = $8, updated_at = $9, updated_by = $10,
			version = version + 1
		WHERE id = $1 AND version = $2
	`
	tag, err := tx.Exec(ctx, query,
		v.ID, v.Version,
		v.Department, v.FundingType, v.Insurer, v.Status,
		v.CancelReason, v.CashReason, v.UpdatedAt, v.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("update visit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("visit %s version %d: %w", v.ID, v.Version, errs.ErrConflict)
	}

	if err := postgres.WriteAuditEvents(ctx, tx, v.Changes()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("visit saved",
		zap.String("visit_id", v.ID),
		zap.String("status", string(v.Status)),
		zap.Int("version", v.Version+1))

	v.Version++
	v.ClearChanges()
	return nil
}

func scanVisit(row pgx.Row) (*Visit, error) {
	v := &Visit{}
	err := row.Scan(
		&v.ID, &v.PatientID, &v.VisitAt, &v.Department, &v.FundingType, &v.Insurer, &v.Status,
		&v.CancelReason, &v.CashReason, &v.Version, &v.CreatedAt, &v.UpdatedAt, &v.CreatedBy, &v.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}
	return v, nil
}
