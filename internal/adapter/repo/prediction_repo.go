package repo

import (
	"context"
	"fmt"
	"time"

	"detectsvc/internal/domain"
	"detectsvc/internal/infra"
	"detectsvc/internal/sqlinline"
)

// PredictionRepositoryPG implements domain.PredictionRepository and
// domain.PredictionQueries on top of the marker-checked SQL runner.
type PredictionRepositoryPG struct {
	sql infra.SQLExecutor
	now func() time.Time
}

// NewPredictionRepository creates a repository backed by PostgreSQL.
func NewPredictionRepository(sql infra.SQLExecutor) *PredictionRepositoryPG {
	return &PredictionRepositoryPG{sql: sql, now: time.Now}
}

// Migrate applies the schema.
func Migrate(ctx context.Context, sql infra.SQLExecutor) error {
	if _, err := sql.Exec(ctx, sqlinline.QCreateSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SaveSession records a prediction, creating its owner row on first use.
func (r *PredictionRepositoryPG) SaveSession(ctx context.Context, rec domain.PredictionRecord) error {
	if rec.Owner != "" {
		if _, err := r.sql.Exec(ctx, sqlinline.QEnsureUser, rec.Owner); err != nil {
			return fmt.Errorf("ensure owner: %w", err)
		}
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = r.now().UTC()
	}
	var owner *string
	if rec.Owner != "" {
		owner = &rec.Owner
	}
	if _, err := r.sql.Exec(ctx, sqlinline.QInsertPredictionSession,
		rec.UID, created, rec.OriginalRef, rec.PredictedRef, owner,
	); err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

// SaveDetection records one detected object.
func (r *PredictionRepositoryPG) SaveDetection(ctx context.Context, det domain.Detection) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QInsertDetectionObject,
		det.PredictionUID, det.Label, det.Score, det.Box[:],
	); err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

// GetByUID returns domain.ErrNotFound when no prediction has uid.
func (r *PredictionRepositoryPG) GetByUID(ctx context.Context, uid string) (*domain.PredictionRecord, error) {
	var rec domain.PredictionRecord
	err := r.sql.QueryRow(ctx, sqlinline.QSelectPredictionByUID, uid).Scan(
		&rec.UID, &rec.CreatedAt, &rec.OriginalRef, &rec.PredictedRef, &rec.Owner,
	)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListDetections returns the detections of uid in insertion order.
func (r *PredictionRepositoryPG) ListDetections(ctx context.Context, uid string) ([]domain.Detection, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectDetectionsByUID, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dets := []domain.Detection{}
	for rows.Next() {
		var (
			d   domain.Detection
			box []float64
		)
		if err := rows.Scan(&d.PredictionUID, &d.Label, &d.Score, &box); err != nil {
			return nil, err
		}
		copy(d.Box[:], box)
		dets = append(dets, d)
	}
	return dets, rows.Err()
}

// DeleteByUID removes a prediction and its detections.
func (r *PredictionRepositoryPG) DeleteByUID(ctx context.Context, uid string) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QDeletePredictionByUID, uid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PredictionRepositoryPG) ListByLabel(ctx context.Context, label string) ([]domain.PredictionListItem, error) {
	return r.listItems(ctx, sqlinline.QSelectPredictionsByLabel, label)
}

func (r *PredictionRepositoryPG) ListByMinScore(ctx context.Context, minScore float64) ([]domain.PredictionListItem, error) {
	return r.listItems(ctx, sqlinline.QSelectPredictionsByMinScore, minScore)
}

func (r *PredictionRepositoryPG) listItems(ctx context.Context, query string, arg any) ([]domain.PredictionListItem, error) {
	rows, err := r.sql.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []domain.PredictionListItem{}
	for rows.Next() {
		var it domain.PredictionListItem
		if err := rows.Scan(&it.UID, &it.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *PredictionRepositoryPG) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := r.sql.QueryRow(ctx, sqlinline.QCountPredictionsSince, since).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *PredictionRepositoryPG) LabelsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectLabelsSince, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	labels := []string{}
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// StatsSince aggregates predictions created at or after since.
func (r *PredictionRepositoryPG) StatsSince(ctx context.Context, since time.Time) (*domain.PredictionSummary, error) {
	summary := &domain.PredictionSummary{LabelCounts: map[string]int{}}
	if err := r.sql.QueryRow(ctx, sqlinline.QStatsSince, since).Scan(&summary.TotalPredictions, &summary.AverageScore); err != nil {
		return nil, err
	}

	rows, err := r.sql.Query(ctx, sqlinline.QLabelCountsSince, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			label string
			count int
		)
		if err := rows.Scan(&label, &count); err != nil {
			return nil, err
		}
		summary.LabelCounts[label] = count
	}
	return summary, rows.Err()
}

// CreateUser stores or replaces the password hash of username.
func (r *PredictionRepositoryPG) CreateUser(ctx context.Context, username, passwordHash string) error {
	_, err := r.sql.Exec(ctx, sqlinline.QUpsertUser, username, passwordHash)
	return err
}

// PasswordHash returns domain.ErrNotFound for unknown users.
func (r *PredictionRepositoryPG) PasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	if err := r.sql.QueryRow(ctx, sqlinline.QSelectUserPasswordHash, username).Scan(&hash); err != nil {
		if infra.IsNoRows(err) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return hash, nil
}

var (
	_ domain.PredictionRepository = (*PredictionRepositoryPG)(nil)
	_ domain.PredictionQueries    = (*PredictionRepositoryPG)(nil)
	_ domain.UserRepository       = (*PredictionRepositoryPG)(nil)
)
