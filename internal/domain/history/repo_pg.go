package history

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traineehub/notify/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type historyRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a PostgreSQL-backed history repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &historyRepoPG{pool: pool}
}

func (r *historyRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const historyCols = `id, trainee_id, ref_kind, ref_id, type, recipient_kind,
	recipient_contact, template_name, template_version, variables, sent_at,
	read_at, status, status_detail, last_retry_at, attachments, version`

func scanHistory(row pgx.Row) (*History, error) {
	var h History
	var refKind, refID *string
	err := row.Scan(&h.ID, &h.TraineeID, &refKind, &refID, &h.Type,
		&h.Recipient.Kind, &h.Recipient.Contact,
		&h.Template.Name, &h.Template.Version, &h.Template.Variables,
		&h.SentAt, &h.ReadAt, &h.Status, &h.StatusDetail, &h.LastRetryAt,
		&h.Attachments, &h.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if refKind != nil && refID != nil {
		h.Ref = &Reference{Kind: RefKind(*refKind), ID: *refID}
	}
	h.Recipient.ID = h.TraineeID
	return &h, nil
}

func (r *historyRepoPG) Insert(ctx context.Context, h *History) error {
	var refKind, refID *string
	if h.Ref != nil {
		k, id := string(h.Ref.Kind), h.Ref.ID
		refKind, refID = &k, &id
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO history (id, trainee_id, ref_kind, ref_id, type, recipient_kind,
			recipient_contact, template_name, template_version, variables, sent_at,
			read_at, status, status_detail, last_retry_at, attachments, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		h.ID, h.TraineeID, refKind, refID, h.Type, h.Recipient.Kind,
		h.Recipient.Contact, h.Template.Name, h.Template.Version, h.Template.Variables,
		h.SentAt, h.ReadAt, h.Status, h.StatusDetail, h.LastRetryAt,
		h.Attachments, h.Version)
	return err
}

func (r *historyRepoPG) GetByID(ctx context.Context, id string) (*History, error) {
	return scanHistory(r.conn(ctx).QueryRow(ctx,
		`SELECT `+historyCols+` FROM history WHERE id = $1`, id))
}

func (r *historyRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*History, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	return items, rows.Err()
}

func (r *historyRepoPG) ListByTrainee(ctx context.Context, traineeID string) ([]*History, error) {
	return r.list(ctx,
		`SELECT `+historyCols+` FROM history
		 WHERE trainee_id = $1 AND status <> $2
		 ORDER BY sent_at DESC`, traineeID, StatusDeleted)
}

func (r *historyRepoPG) ListFailed(ctx context.Context, traineeID string) ([]*History, error) {
	return r.list(ctx,
		`SELECT `+historyCols+` FROM history
		 WHERE trainee_id = $1 AND status = $2
		 ORDER BY sent_at DESC`, traineeID, StatusFailed)
}

func (r *historyRepoPG) ListByRef(ctx context.Context, traineeID string, ref Reference) ([]*History, error) {
	return r.list(ctx,
		`SELECT `+historyCols+` FROM history
		 WHERE trainee_id = $1 AND ref_kind = $2 AND ref_id = $3
		 ORDER BY sent_at DESC`, traineeID, ref.Kind, ref.ID)
}

func (r *historyRepoPG) ListInApp(ctx context.Context, traineeID string, t NotificationType, statuses []NotificationStatus) ([]*History, error) {
	return r.list(ctx,
		`SELECT `+historyCols+` FROM history
		 WHERE trainee_id = $1 AND type = $2 AND recipient_kind = $3
		   AND status = ANY($4)`, traineeID, t, KindInApp, statuses)
}

func (r *historyRepoPG) UpdateStatus(ctx context.Context, h *History) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE history SET status=$3, status_detail=$4, read_at=$5,
			last_retry_at=$6, version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $2`,
		h.ID, h.Version, h.Status, h.StatusDetail, h.ReadAt, h.LastRetryAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, h.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	h.Version++
	return nil
}
