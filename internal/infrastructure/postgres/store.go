package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
)

// EventsTopic receives reminder lifecycle events relayed from the outbox
const EventsTopic = "reminder.events"

// Store is the PostgreSQL engine.Store. Instance updates are compare-and-set on
// the version column and every event is written to the outbox in the same
// transaction as the change it describes.
type Store struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
}

var _ engine.Store = (*Store)(nil)

// NewStore creates a store on pool
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		topic:  EventsTopic,
		logger: logger,
		tracer: otel.Tracer("postgres-store"),
	}
}

func (s *Store) inTx(ctx context.Context, name string, fn func(tx pgx.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, name)
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		if !errors.Is(err, reminder.ErrConflict) && !errors.Is(err, reminder.ErrNotFound) {
			span.RecordError(err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const scheduleColumns = `id, patient_id, medicine_name, dose_amount,
	cadence_morning, cadence_afternoon, cadence_evening, timing_type, duration_days,
	slot_times, timezone, start_date, end_date, is_active, lead_time_minutes,
	channels_enabled, metadata, created_at, deactivated_at`

func scanSchedule(row pgx.Row) (*reminder.DoseSchedule, error) {
	var (
		sc       reminder.DoseSchedule
		slots    []byte
		channels []string
		meta     []byte
	)
	err := row.Scan(&sc.ID, &sc.PatientID, &sc.MedicineName, &sc.DoseAmount,
		&sc.Cadence.Morning, &sc.Cadence.Afternoon, &sc.Cadence.Evening, &sc.TimingType, &sc.DurationDays,
		&slots, &sc.Timezone, &sc.StartDate, &sc.EndDate, &sc.IsActive, &sc.LeadTimeMinutes,
		&channels, &meta, &sc.CreatedAt, &sc.DeactivatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(slots, &sc.SlotTimes); err != nil {
		return nil, fmt.Errorf("decode slot times of %s: %w", sc.ID, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sc.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", sc.ID, err)
		}
	}
	for _, ch := range channels {
		sc.ChannelsEnabled = append(sc.ChannelsEnabled, reminder.Channel(ch))
	}
	sc.StartDate = sc.StartDate.UTC()
	sc.EndDate = sc.EndDate.UTC()
	sc.CreatedAt = sc.CreatedAt.UTC()
	return &sc, nil
}

// CreateSchedule implements engine.Store
func (s *Store) CreateSchedule(ctx context.Context, sc *reminder.DoseSchedule, events ...*reminder.Event) error {
	slots, err := json.Marshal(sc.SlotTimes)
	if err != nil {
		return fmt.Errorf("encode slot times: %w", err)
	}
	var meta []byte
	if len(sc.Metadata) > 0 {
		if meta, err = json.Marshal(sc.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}
	channels := make([]string, 0, len(sc.ChannelsEnabled))
	for _, ch := range sc.ChannelsEnabled {
		channels = append(channels, string(ch))
	}

	return s.inTx(ctx, "Store.CreateSchedule", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO dose_schedules (`+scheduleColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (id) DO NOTHING`,
			sc.ID, sc.PatientID, sc.MedicineName, sc.DoseAmount,
			sc.Cadence.Morning, sc.Cadence.Afternoon, sc.Cadence.Evening, sc.TimingType, sc.DurationDays,
			slots, sc.Timezone, sc.StartDate, sc.EndDate, sc.IsActive, sc.LeadTimeMinutes,
			channels, meta, sc.CreatedAt, sc.DeactivatedAt)
		if err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return reminder.ErrConflict
		}
		return WriteEvents(ctx, tx, s.topic, events)
	})
}

// GetSchedule implements engine.Store
func (s *Store) GetSchedule(ctx context.Context, id string) (*reminder.DoseSchedule, error) {
	return scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM dose_schedules WHERE id = $1`, id))
}

// ListSchedules implements engine.Store
func (s *Store) ListSchedules(ctx context.Context, patientID string) ([]*reminder.DoseSchedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM dose_schedules
		WHERE patient_id = $1 ORDER BY created_at, id`, patientID)
}

// ListActiveSchedules implements engine.Store
func (s *Store) ListActiveSchedules(ctx context.Context, asOf time.Time) ([]*reminder.DoseSchedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM dose_schedules
		WHERE is_active AND end_date > $1 ORDER BY created_at, id`, asOf)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]*reminder.DoseSchedule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []*reminder.DoseSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// sendLockClass is the first key of the per-schedule send locks
const sendLockClass int32 = 7301

// HoldSends implements engine.Store with a session-level shared advisory lock.
// The connection stays checked out until release.
func (s *Store) HoldSends(ctx context.Context, scheduleID string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock_shared($1, hashtext($2))`, sendLockClass, scheduleID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("hold sends of %s: %w", scheduleID, err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock_shared($1, hashtext($2))`, sendLockClass, scheduleID); err != nil {
			// a lock left on a pooled session would block stops until it is closed
			s.logger.Warn("send lock release failed, closing connection", zap.String("schedule_id", scheduleID), zap.Error(err))
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

// StopSchedule implements engine.Store. It waits for in-flight sends through the
// exclusive send lock, then locks the schedule row for the whole transaction,
// which also blocks InsertInstances for it.
func (s *Store) StopSchedule(ctx context.Context, scheduleID, alsoStop string, at time.Time) (*engine.StopResult, error) {
	res := &engine.StopResult{}
	err := s.inTx(ctx, "Store.StopSchedule", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, sendLockClass, scheduleID); err != nil {
			return fmt.Errorf("wait for in-flight sends: %w", err)
		}
		sc, err := scanSchedule(tx.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM dose_schedules WHERE id = $1 FOR UPDATE`, scheduleID))
		if err != nil {
			return err
		}
		res.AlreadyInactive = !sc.IsActive
		if sc.IsActive {
			sc.IsActive = false
			sc.DeactivatedAt = &at
			if _, err := tx.Exec(ctx, `UPDATE dose_schedules SET is_active = FALSE, deactivated_at = $2 WHERE id = $1`, scheduleID, at); err != nil {
				return fmt.Errorf("deactivate schedule: %w", err)
			}
		}

		rows, err := tx.Query(ctx, `
			UPDATE reminder_instances
			SET status = 'stopped', updated_at = $2, version = version + 1
			WHERE schedule_id = $1
			  AND (status = 'scheduled' OR (id = $3 AND status IN ('scheduled', 'sent')))
			RETURNING `+instanceColumns, scheduleID, at, alsoStop)
		if err != nil {
			return fmt.Errorf("stop instances: %w", err)
		}
		res.Stopped, err = collectInstances(rows)
		if err != nil {
			return err
		}

		res.Schedule = sc
		if !res.AlreadyInactive || len(res.Stopped) > 0 {
			evt := reminder.ScheduleEvent(sc, reminder.EventScheduleStopped, len(res.Stopped), at)
			return WriteEvents(ctx, tx, s.topic, []*reminder.Event{evt})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByReminder(res.Stopped)
	return res, nil
}

const instanceColumns = `id, schedule_id, patient_id, medicine_name, dose_amount, dose_date::text, slot,
	dose_at, reminder_at, status, escalation_level, patient_response, response_at, channel_message_ids,
	send_attempts, last_send_error, sent_at, follow_up_at, follow_up_sent, last_escalated_at,
	version, created_at, updated_at`

func scanInstance(row pgx.Row) (*reminder.ReminderInstance, error) {
	var (
		inst     reminder.ReminderInstance
		response *string
		ids      []byte
		lastErr  *string
	)
	err := row.Scan(&inst.ID, &inst.ScheduleID, &inst.PatientID, &inst.MedicineName, &inst.DoseAmount,
		&inst.DoseDate, &inst.Slot, &inst.DoseAt, &inst.ReminderAt, &inst.Status, &inst.EscalationLevel,
		&response, &inst.ResponseAt, &ids, &inst.SendAttempts, &lastErr, &inst.SentAt, &inst.FollowUpAt,
		&inst.FollowUpSent, &inst.LastEscalatedAt, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if response != nil {
		inst.PatientResponse = reminder.Response(*response)
	}
	if lastErr != nil {
		inst.LastSendError = *lastErr
	}
	if len(ids) > 0 {
		if err := json.Unmarshal(ids, &inst.ChannelMessageIDs); err != nil {
			return nil, fmt.Errorf("decode message ids of %s: %w", inst.ID, err)
		}
	}
	inst.DoseAt = inst.DoseAt.UTC()
	inst.ReminderAt = inst.ReminderAt.UTC()
	return &inst, nil
}

func collectInstances(rows pgx.Rows) ([]*reminder.ReminderInstance, error) {
	defer rows.Close()
	var out []*reminder.ReminderInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func messageIDs(inst *reminder.ReminderInstance) ([]byte, error) {
	if len(inst.ChannelMessageIDs) == 0 {
		return nil, nil
	}
	return json.Marshal(inst.ChannelMessageIDs)
}

// InsertInstances implements engine.Store. Instances of a schedule that is no
// longer active are dropped.
func (s *Store) InsertInstances(ctx context.Context, insts []*reminder.ReminderInstance, events ...*reminder.Event) ([]*reminder.ReminderInstance, error) {
	var created []*reminder.ReminderInstance
	err := s.inTx(ctx, "Store.InsertInstances", func(tx pgx.Tx) error {
		created = created[:0]
		active := make(map[string]bool)
		for _, inst := range insts {
			ok, seen := active[inst.ScheduleID]
			if !seen {
				err := tx.QueryRow(ctx, `SELECT is_active FROM dose_schedules WHERE id = $1 FOR SHARE`, inst.ScheduleID).Scan(&ok)
				if err != nil && !errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("lock schedule %s: %w", inst.ScheduleID, err)
				}
				active[inst.ScheduleID] = ok
			}
			if !ok {
				continue
			}

			ids, err := messageIDs(inst)
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO reminder_instances (id, schedule_id, patient_id, medicine_name, dose_amount, dose_date, slot,
					dose_at, reminder_at, status, escalation_level, channel_message_ids, version, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9, $10, $11, $12, $13, $14, $15)
				ON CONFLICT (schedule_id, dose_date, slot) DO NOTHING`,
				inst.ID, inst.ScheduleID, inst.PatientID, inst.MedicineName, inst.DoseAmount, inst.DoseDate, inst.Slot,
				inst.DoseAt, inst.ReminderAt, inst.Status, inst.EscalationLevel, ids, inst.Version, inst.CreatedAt, inst.UpdatedAt)
			if err != nil {
				return fmt.Errorf("insert instance: %w", err)
			}
			if tag.RowsAffected() == 1 {
				created = append(created, inst.Clone())
			}
		}
		return WriteEvents(ctx, tx, s.topic, events)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetInstance implements engine.Store
func (s *Store) GetInstance(ctx context.Context, id string) (*reminder.ReminderInstance, error) {
	return scanInstance(s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM reminder_instances WHERE id = $1`, id))
}

// ListInstances implements engine.Store
func (s *Store) ListInstances(ctx context.Context, f engine.InstanceFilter) ([]*reminder.ReminderInstance, error) {
	query, args := instanceQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	return collectInstances(rows)
}

func instanceQuery(f engine.InstanceFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY(?)", statuses)
	}
	if f.PatientID != "" {
		add("patient_id = ?", f.PatientID)
	}
	if f.ScheduleID != "" {
		add("schedule_id = ?", f.ScheduleID)
	}
	if f.ReminderBefore != nil {
		add("reminder_at <= ?", *f.ReminderBefore)
	}
	if f.DoseAfter != nil {
		add("dose_at > ?", *f.DoseAfter)
	}
	if f.DoseBefore != nil {
		add("dose_at < ?", *f.DoseBefore)
	}
	if f.FollowUpBefore != nil {
		add("follow_up_at <= ? AND NOT follow_up_sent", *f.FollowUpBefore)
	}

	query := `SELECT ` + instanceColumns + ` FROM reminder_instances`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY reminder_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return query, args
}

// UpdateInstance implements engine.Store
func (s *Store) UpdateInstance(ctx context.Context, inst *reminder.ReminderInstance, expectedVersion int, events ...*reminder.Event) error {
	ids, err := messageIDs(inst)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, "Store.UpdateInstance", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE reminder_instances
			SET status = $3, escalation_level = $4, patient_response = $5, response_at = $6,
			    channel_message_ids = $7, send_attempts = $8, last_send_error = $9, sent_at = $10,
			    follow_up_at = $11, follow_up_sent = $12, last_escalated_at = $13, updated_at = $14,
			    version = version + 1
			WHERE id = $1 AND version = $2`,
			inst.ID, expectedVersion, inst.Status, inst.EscalationLevel, nullString(string(inst.PatientResponse)),
			inst.ResponseAt, ids, inst.SendAttempts, nullString(inst.LastSendError), inst.SentAt,
			inst.FollowUpAt, inst.FollowUpSent, inst.LastEscalatedAt, inst.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reminder_instances WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return reminder.ErrNotFound
			}
			return reminder.ErrConflict
		}
		return WriteEvents(ctx, tx, s.topic, events)
	})
	if err != nil {
		return err
	}
	inst.Version = expectedVersion + 1
	return nil
}

const adherenceColumns = `patient_id, medicine_name, total_prescribed, taken, skipped, missed,
	adherence_percentage, streak_days, longest_streak, last_dose_time, version, updated_at`

func scanAdherence(row pgx.Row) (*reminder.AdherenceRecord, error) {
	var r reminder.AdherenceRecord
	err := row.Scan(&r.PatientID, &r.MedicineName, &r.TotalPrescribed, &r.Taken, &r.Skipped, &r.Missed,
		&r.AdherencePercentage, &r.StreakDays, &r.LongestStreak, &r.LastDoseTime, &r.Version, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetAdherence implements engine.Store
func (s *Store) GetAdherence(ctx context.Context, patientID, medicine string) (*reminder.AdherenceRecord, error) {
	return scanAdherence(s.pool.QueryRow(ctx, `SELECT `+adherenceColumns+` FROM adherence_records
		WHERE patient_id = $1 AND medicine_name = $2`, patientID, medicine))
}

// ListAdherence implements engine.Store
func (s *Store) ListAdherence(ctx context.Context, patientID string) ([]*reminder.AdherenceRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+adherenceColumns+` FROM adherence_records
		WHERE patient_id = $1 ORDER BY medicine_name`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query adherence: %w", err)
	}
	defer rows.Close()

	var out []*reminder.AdherenceRecord
	for rows.Next() {
		r, err := scanAdherence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveAdherence implements engine.Store
func (s *Store) SaveAdherence(ctx context.Context, r *reminder.AdherenceRecord, expectedVersion int) error {
	var (
		query string
		args  = []any{r.PatientID, r.MedicineName, r.TotalPrescribed, r.Taken, r.Skipped, r.Missed,
			r.AdherencePercentage, r.StreakDays, r.LongestStreak, r.LastDoseTime, r.UpdatedAt}
	)
	if expectedVersion == 0 {
		query = `
			INSERT INTO adherence_records (` + adherenceColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
			ON CONFLICT (patient_id, medicine_name) DO NOTHING`
	} else {
		query = `
			UPDATE adherence_records
			SET total_prescribed = $3, taken = $4, skipped = $5, missed = $6, adherence_percentage = $7,
			    streak_days = $8, longest_streak = $9, last_dose_time = $10, updated_at = $11,
			    version = version + 1
			WHERE patient_id = $1 AND medicine_name = $2 AND version = $12`
		args = append(args, expectedVersion)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save adherence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reminder.ErrConflict
	}
	r.Version = expectedVersion + 1
	return nil
}

func sortByReminder(insts []*reminder.ReminderInstance) {
	sort.Slice(insts, func(i, j int) bool {
		if !insts[i].ReminderAt.Equal(insts[j].ReminderAt) {
			return insts[i].ReminderAt.Before(insts[j].ReminderAt)
		}
		return insts[i].ID < insts[j].ID
	})
}
