package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/acme/mass-dispatch/internal/domain"
	"github.com/acme/mass-dispatch/internal/repository"
)

const uniqueViolation = "23505"

const campaignColumns = `id, user_id, instance_id, name, template, recipients, settings, statistics,
	status, is_active, current_index, next_scheduled_run, started_at, paused_at, completed_at,
	pause_reason, error, created_at, updated_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
// Each campaign is a single row; template, recipients, settings and
// statistics are JSONB documents.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	params, err := toParams(campaign)
	if err != nil {
		return err
	}

	q := `INSERT INTO campaigns (` + campaignColumns + `) VALUES (
		:id, :user_id, :instance_id, :name, :template, :recipients, :settings, :statistics,
		:status, :is_active, :current_index, :next_scheduled_run, :started_at, :paused_at, :completed_at,
		:pause_reason, :error, :created_at, :updated_at
	)`

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrConflict
		}
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return scanCampaign(row)
}

// List returns the campaigns of one user with keyset pagination.
func (r *CampaignRepository) List(ctx context.Context, userID string, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sqlx.Rows
		err  error
	)
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
			FROM campaigns WHERE user_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`, userID, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
			FROM campaigns WHERE user_id = $1 ORDER BY id ASC LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	return collect(rows)
}

// ListForScheduling returns campaigns matching the scheduler filter.
func (r *CampaignRepository) ListForScheduling(ctx context.Context, filter repository.ScheduleFilter) ([]*domain.Campaign, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}

	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	add("status = $%d", filter.Status)
	if filter.ScheduleEnabled != nil {
		add("COALESCE((settings->'schedule'->>'enabled')::boolean, false) = $%d", *filter.ScheduleEnabled)
	}
	if filter.Active != nil {
		add("is_active = $%d", *filter.Active)
	}
	if filter.DueBefore != nil {
		add("next_scheduled_run <= $%d", *filter.DueBefore)
	}
	args = append(args, limit)

	q := fmt.Sprintf(`SELECT %s FROM campaigns WHERE %s ORDER BY updated_at ASC LIMIT $%d`,
		campaignColumns, strings.Join(where, " AND "), len(args))

	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list for scheduling: %w", err)
	}
	return collect(rows)
}

// Delete removes a campaign row.
func (r *CampaignRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("campaign repo: delete: %w", err)
	}
	return requireAffected(res)
}

// Mutate locks the row, applies fn and writes the full record back.
func (r *CampaignRepository) Mutate(ctx context.Context, id uuid.UUID, fn func(*domain.Campaign) error) (*domain.Campaign, error) {
	var out *domain.Campaign
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, id)
		campaign, err := scanCampaign(row)
		if err != nil {
			return err
		}

		if err := fn(campaign); err != nil {
			return err
		}
		campaign.UpdatedAt = time.Now().UTC()

		params, err := toParams(campaign)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, `UPDATE campaigns SET
			name = :name,
			instance_id = :instance_id,
			template = :template,
			recipients = :recipients,
			settings = :settings,
			statistics = :statistics,
			status = :status,
			is_active = :is_active,
			current_index = :current_index,
			next_scheduled_run = :next_scheduled_run,
			started_at = :started_at,
			paused_at = :paused_at,
			completed_at = :completed_at,
			pause_reason = :pause_reason,
			error = :error,
			updated_at = :updated_at
		 WHERE id = :id`, params); err != nil {
			return fmt.Errorf("campaign repo: update: %w", err)
		}
		out = campaign
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordProgress writes one recipient entry, the statistics and the cursor in
// a single statement. The cursor never moves backwards.
func (r *CampaignRepository) RecordProgress(ctx context.Context, id uuid.UUID, p repository.Progress) (repository.ProgressState, error) {
	recipient, err := json.Marshal(p.Recipient)
	if err != nil {
		return repository.ProgressState{}, fmt.Errorf("campaign repo: marshal recipient: %w", err)
	}
	stats, err := json.Marshal(p.Statistics)
	if err != nil {
		return repository.ProgressState{}, fmt.Errorf("campaign repo: marshal statistics: %w", err)
	}

	var (
		state  repository.ProgressState
		status string
	)
	row := r.db.QueryRowxContext(ctx, `UPDATE campaigns SET
			recipients = jsonb_set(recipients, ARRAY[$2::text], $3::jsonb),
			statistics = $4::jsonb,
			current_index = GREATEST(current_index, $5),
			updated_at = $6
		WHERE id = $1 AND jsonb_array_length(recipients) > $7
		RETURNING status, is_active, current_index`,
		id, strconv.Itoa(p.Index), string(recipient), string(stats), p.Index+1, time.Now().UTC(), p.Index,
	)
	if err := row.Scan(&status, &state.IsActive, &state.CurrentIndex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state, repository.ErrNotFound
		}
		return state, fmt.Errorf("campaign repo: record progress: %w", err)
	}
	state.Status = domain.CampaignStatus(status)
	return state, nil
}

// MarkDeleted stamps deletedAt on one recipient entry.
func (r *CampaignRepository) MarkDeleted(ctx context.Context, id uuid.UUID, index int, deletedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
			recipients = jsonb_set(recipients, ARRAY[$2::text, 'deletedAt'], to_jsonb($3::timestamptz)),
			updated_at = now()
		WHERE id = $1 AND jsonb_array_length(recipients) > $4`,
		id, strconv.Itoa(index), deletedAt.UTC(), index,
	)
	if err != nil {
		return fmt.Errorf("campaign repo: mark deleted: %w", err)
	}
	return requireAffected(res)
}

type campaignRecord struct {
	ID               uuid.UUID      `db:"id"`
	UserID           string         `db:"user_id"`
	InstanceID       string         `db:"instance_id"`
	Name             string         `db:"name"`
	Template         []byte         `db:"template"`
	Recipients       []byte         `db:"recipients"`
	Settings         []byte         `db:"settings"`
	Statistics       []byte         `db:"statistics"`
	Status           string         `db:"status"`
	IsActive         bool           `db:"is_active"`
	CurrentIndex     int            `db:"current_index"`
	NextScheduledRun sql.NullTime   `db:"next_scheduled_run"`
	StartedAt        sql.NullTime   `db:"started_at"`
	PausedAt         sql.NullTime   `db:"paused_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
	PauseReason      sql.NullString `db:"pause_reason"`
	Error            sql.NullString `db:"error"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r campaignRecord) toDomain() (*domain.Campaign, error) {
	campaign := &domain.Campaign{
		ID:               r.ID,
		UserID:           r.UserID,
		InstanceID:       r.InstanceID,
		Name:             r.Name,
		Status:           domain.CampaignStatus(r.Status),
		IsActive:         r.IsActive,
		CurrentIndex:     r.CurrentIndex,
		NextScheduledRun: nullTime(r.NextScheduledRun),
		StartedAt:        nullTime(r.StartedAt),
		PausedAt:         nullTime(r.PausedAt),
		CompletedAt:      nullTime(r.CompletedAt),
		PauseReason:      r.PauseReason.String,
		Error:            r.Error.String,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}

	docs := []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"template", r.Template, &campaign.Template},
		{"recipients", r.Recipients, &campaign.Recipients},
		{"settings", r.Settings, &campaign.Settings},
		{"statistics", r.Statistics, &campaign.Statistics},
	}
	for _, d := range docs {
		if len(d.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(d.raw, d.dst); err != nil {
			return nil, fmt.Errorf("campaign repo: decode %s: %w", d.name, err)
		}
	}
	return campaign, nil
}

func toParams(c *domain.Campaign) (map[string]any, error) {
	template, err := json.Marshal(c.Template)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: encode template: %w", err)
	}
	recipients := c.Recipients
	if recipients == nil {
		recipients = []domain.Recipient{}
	}
	recipientsJSON, err := json.Marshal(recipients)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: encode recipients: %w", err)
	}
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: encode settings: %w", err)
	}
	stats, err := json.Marshal(c.Statistics)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: encode statistics: %w", err)
	}

	return map[string]any{
		"id":                 c.ID,
		"user_id":            c.UserID,
		"instance_id":        c.InstanceID,
		"name":               c.Name,
		"template":           string(template),
		"recipients":         string(recipientsJSON),
		"settings":           string(settings),
		"statistics":         string(stats),
		"status":             string(c.Status),
		"is_active":          c.IsActive,
		"current_index":      c.CurrentIndex,
		"next_scheduled_run": c.NextScheduledRun,
		"started_at":         c.StartedAt,
		"paused_at":          c.PausedAt,
		"completed_at":       c.CompletedAt,
		"pause_reason":       c.PauseReason,
		"error":              c.Error,
		"created_at":         c.CreatedAt,
		"updated_at":         c.UpdatedAt,
	}, nil
}

func scanCampaign(row *sqlx.Row) (*domain.Campaign, error) {
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}
	return record.toDomain()
}

func collect(rows *sqlx.Rows) ([]*domain.Campaign, error) {
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
