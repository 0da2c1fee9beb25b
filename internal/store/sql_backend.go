package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/util"
	"github.com/jmoiron/sqlx"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name              string // used as the log prefix, e.g. "PostgresStore"
	encodeIDs         func(ids []string) (any, error)
	decodeIDs         func(raw []byte) ([]string, error)
	isUniqueViolation func(err error) bool
}

// sqlBackend implements every repository with queries written once in "?"
// bind style and rebound for the driver by sqlx.
type sqlBackend struct {
	db *sqlx.DB
	d  dialect
}

func (s *sqlBackend) q(query string) string { return s.db.Rebind(query) }

// Close closes the database connection.
func (s *sqlBackend) Close() error {
	slog.Debug(s.d.name + ".Close: closing database")
	return s.db.Close()
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (s *sqlBackend) CreateEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = util.GenerateID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO events (id, owner_id, title, starts_at, ends_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.OwnerID, e.Title, utcPtr(e.StartsAt), utcPtr(e.EndsAt), e.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error(s.d.name+".CreateEvent failed", "error", err, "eventID", e.ID)
		return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}
	slog.Debug(s.d.name+".CreateEvent succeeded", "eventID", e.ID, "ownerID", e.OwnerID)
	return nil
}

func (s *sqlBackend) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var e models.Event
	err := s.db.GetContext(ctx, &e, s.q(
		`SELECT id, owner_id, title, starts_at, ends_at, created_at FROM events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	return &e, nil
}

func (s *sqlBackend) CountEventsByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM events WHERE owner_id = ?`), ownerID); err != nil {
		return 0, fmt.Errorf("failed to count events for %s: %w", ownerID, err)
	}
	return n, nil
}

const guestColumns = `id, event_id, name, email, phone, status, magic_token, opted_out_at, created_at, updated_at`

func (s *sqlBackend) AddGuest(ctx context.Context, g *models.Guest) error {
	if g.ID == "" {
		g.ID = util.GenerateID()
	}
	if g.Status == "" {
		g.Status = models.GuestStatusPending
	}
	if g.MagicToken == "" {
		token, err := util.GenerateMagicToken()
		if err != nil {
			return fmt.Errorf("failed to generate magic token: %w", err)
		}
		g.MagicToken = token
	}
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO guests (`+guestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		g.ID, g.EventID, g.Name, g.Email, g.Phone, g.Status, g.MagicToken, utcPtr(g.OptedOutAt), g.CreatedAt.UTC(), g.UpdatedAt,
	)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return ErrDuplicate
		}
		slog.Error(s.d.name+".AddGuest failed", "error", err, "guestID", g.ID)
		return fmt.Errorf("failed to insert guest %s: %w", g.ID, err)
	}
	slog.Debug(s.d.name+".AddGuest succeeded", "guestID", g.ID, "eventID", g.EventID)
	return nil
}

func (s *sqlBackend) GetGuest(ctx context.Context, id string) (*models.Guest, error) {
	var g models.Guest
	err := s.db.GetContext(ctx, &g, s.q(`SELECT `+guestColumns+` FROM guests WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guest %s: %w", id, err)
	}
	return &g, nil
}

func (s *sqlBackend) ListGuests(ctx context.Context, eventID string, excludeStatus ...models.GuestStatus) ([]models.Guest, error) {
	query := `SELECT ` + guestColumns + ` FROM guests WHERE event_id = ?`
	args := []any{eventID}
	if len(excludeStatus) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND status NOT IN (?)`, eventID, excludeStatus)
		if err != nil {
			return nil, fmt.Errorf("failed to build guest query: %w", err)
		}
	}
	var guests []models.Guest
	if err := s.db.SelectContext(ctx, &guests, s.q(query+` ORDER BY created_at, id`), args...); err != nil {
		slog.Error(s.d.name+".ListGuests failed", "error", err, "eventID", eventID)
		return nil, fmt.Errorf("failed to list guests for %s: %w", eventID, err)
	}
	return guests, nil
}

func (s *sqlBackend) ListGuestsByPhone(ctx context.Context, phone string) ([]models.Guest, error) {
	var guests []models.Guest
	err := s.db.SelectContext(ctx, &guests, s.q(
		`SELECT `+guestColumns+` FROM guests WHERE phone = ? ORDER BY created_at, id`), phone)
	if err != nil {
		return nil, fmt.Errorf("failed to list guests by phone: %w", err)
	}
	return guests, nil
}

func (s *sqlBackend) UpdateGuestStatus(ctx context.Context, id string, newStatus models.GuestStatus, expected ...models.GuestStatus) (bool, error) {
	now := time.Now().UTC()
	var optedOutAt *time.Time
	if newStatus == models.GuestStatusOptedOut {
		optedOutAt = &now
	}
	query := `UPDATE guests SET status = ?, opted_out_at = ?, updated_at = ? WHERE id = ?`
	args := []any{newStatus, optedOutAt, now, id}
	if len(expected) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND status IN (?)`, newStatus, optedOutAt, now, id, expected)
		if err != nil {
			return false, fmt.Errorf("failed to build guest status update: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.d.name+".UpdateGuestStatus failed", "error", err, "guestID", id, "status", newStatus)
		return false, fmt.Errorf("failed to update guest %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	slog.Debug(s.d.name+".UpdateGuestStatus", "guestID", id, "status", newStatus, "changed", n > 0)
	return n > 0, nil
}

func (s *sqlBackend) CountGuests(ctx context.Context, eventID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM guests WHERE event_id = ?`), eventID); err != nil {
		return 0, fmt.Errorf("failed to count guests for %s: %w", eventID, err)
	}
	return n, nil
}

func (s *sqlBackend) AddBlock(ctx context.Context, b *models.Block) error {
	if b.ID == "" {
		b.ID = util.GenerateID()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO blocks (id, event_id, name, starts_at, ends_at, order_index) VALUES (?, ?, ?, ?, ?, ?)`),
		b.ID, b.EventID, b.Name, utcPtr(b.StartsAt), utcPtr(b.EndsAt), b.OrderIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to insert block %s: %w", b.ID, err)
	}
	return nil
}

func (s *sqlBackend) AddQuestion(ctx context.Context, q *models.Question) error {
	if q.ID == "" {
		q.ID = util.GenerateID()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO questions (id, event_id, prompt, required, order_index) VALUES (?, ?, ?, ?, ?)`),
		q.ID, q.EventID, q.Prompt, q.Required, q.OrderIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to insert question %s: %w", q.ID, err)
	}
	return nil
}

func (s *sqlBackend) RecordResponse(ctx context.Context, r *models.Response) error {
	if r.ID == "" {
		r.ID = util.GenerateID()
	}
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &r.ID, tx.Rebind(
			`INSERT INTO responses (id, guest_id, block_id, response, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (guest_id, block_id) DO UPDATE SET response = excluded.response, updated_at = excluded.updated_at
			 RETURNING id`),
			r.ID, r.GuestID, r.BlockID, r.Value, now, now,
		); err != nil {
			return err
		}
		return markResponded(ctx, tx, r.GuestID, now)
	})
	if err != nil {
		slog.Error(s.d.name+".RecordResponse failed", "error", err, "guestID", r.GuestID, "blockID", r.BlockID)
		return fmt.Errorf("failed to record response: %w", err)
	}
	r.UpdatedAt = now
	return nil
}

func (s *sqlBackend) RecordAnswer(ctx context.Context, a *models.Answer) error {
	if a.ID == "" {
		a.ID = util.GenerateID()
	}
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &a.ID, tx.Rebind(
			`INSERT INTO answers (id, guest_id, question_id, answer, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (guest_id, question_id) DO UPDATE SET answer = excluded.answer
			 RETURNING id`),
			a.ID, a.GuestID, a.QuestionID, a.Value, now,
		); err != nil {
			return err
		}
		return markResponded(ctx, tx, a.GuestID, now)
	})
	if err != nil {
		return fmt.Errorf("failed to record answer: %w", err)
	}
	return nil
}

// markResponded moves a pending guest to responded. Opted-out guests keep
// their status.
func markResponded(ctx context.Context, tx *sqlx.Tx, guestID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE guests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		models.GuestStatusResponded, now, guestID, models.GuestStatusPending,
	)
	return err
}

func (s *sqlBackend) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlBackend) GetResponse(ctx context.Context, guestID, blockID string) (*models.Response, error) {
	var r models.Response
	err := s.db.GetContext(ctx, &r, s.q(
		`SELECT id, guest_id, block_id, response, created_at, updated_at FROM responses WHERE guest_id = ? AND block_id = ?`),
		guestID, blockID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get response: %w", err)
	}
	return &r, nil
}

func (s *sqlBackend) ListAnsweredQuestionIDs(ctx context.Context, guestID string, restrictedTo []string) (map[string]bool, error) {
	return s.selectIDSet(ctx, `SELECT question_id FROM answers WHERE guest_id = ? AND question_id IN (?)`, guestID, restrictedTo)
}

func (s *sqlBackend) ListRespondedBlockIDs(ctx context.Context, guestID string, restrictedTo []string) (map[string]bool, error) {
	return s.selectIDSet(ctx, `SELECT block_id FROM responses WHERE guest_id = ? AND block_id IN (?)`, guestID, restrictedTo)
}

func (s *sqlBackend) selectIDSet(ctx context.Context, query, guestID string, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(query, guestID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build id query: %w", err)
	}
	var found []string
	if err := s.db.SelectContext(ctx, &found, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query ids for guest %s: %w", guestID, err)
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func (s *sqlBackend) InsertResponseIfAbsent(ctx context.Context, guestID, blockID string, value models.RSVPValue) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO responses (id, guest_id, block_id, response, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (guest_id, block_id) DO NOTHING`),
		util.GenerateID(), guestID, blockID, value, now, now,
	)
	if err != nil {
		slog.Error(s.d.name+".InsertResponseIfAbsent failed", "error", err, "guestID", guestID, "blockID", blockID)
		return false, fmt.Errorf("failed to insert response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// checkpointRow mirrors the checkpoints table. Id lists arrive in the
// backend's native encoding and are decoded by the dialect.
type checkpointRow struct {
	ID                  string     `db:"id"`
	EventID             string     `db:"event_id"`
	TriggerAt           time.Time  `db:"trigger_at"`
	Executed            bool       `db:"executed"`
	ExecutedAt          *time.Time `db:"executed_at"`
	ClaimedAt           *time.Time `db:"claimed_at"`
	RequiredQuestionIDs []byte     `db:"required_question_ids"`
	ApplicableBlockIDs  []byte     `db:"applicable_block_ids"`
	AutoResolveTo       string     `db:"auto_resolve_to"`
	Message             string     `db:"message"`
	CreatedAt           time.Time  `db:"created_at"`
}

const checkpointColumns = `id, event_id, trigger_at, executed, executed_at, claimed_at,
	required_question_ids, applicable_block_ids, COALESCE(auto_resolve_to, '') AS auto_resolve_to, message, created_at`

func (s *sqlBackend) toCheckpoint(r checkpointRow) (models.Checkpoint, error) {
	required, err := s.d.decodeIDs(r.RequiredQuestionIDs)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to decode required question ids of %s: %w", r.ID, err)
	}
	blocks, err := s.d.decodeIDs(r.ApplicableBlockIDs)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to decode applicable block ids of %s: %w", r.ID, err)
	}
	c := models.Checkpoint{
		ID:                  r.ID,
		EventID:             r.EventID,
		TriggerAt:           r.TriggerAt,
		Executed:            r.Executed,
		ExecutedAt:          r.ExecutedAt,
		ClaimedAt:           r.ClaimedAt,
		RequiredQuestionIDs: required,
		ApplicableBlockIDs:  blocks,
		Message:             r.Message,
		CreatedAt:           r.CreatedAt,
	}
	if r.AutoResolveTo != "" {
		v := models.RSVPValue(r.AutoResolveTo)
		c.AutoResolveTo = &v
	}
	return c, nil
}

func (s *sqlBackend) CreateCheckpoint(ctx context.Context, c *models.Checkpoint) error {
	if c.ID == "" {
		c.ID = util.GenerateID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	required, err := s.d.encodeIDs(c.RequiredQuestionIDs)
	if err != nil {
		return fmt.Errorf("failed to encode required question ids: %w", err)
	}
	blocks, err := s.d.encodeIDs(c.ApplicableBlockIDs)
	if err != nil {
		return fmt.Errorf("failed to encode applicable block ids: %w", err)
	}
	var autoResolve any
	if c.AutoResolves() {
		autoResolve = string(*c.AutoResolveTo)
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO checkpoints (id, event_id, trigger_at, executed, executed_at, claimed_at,
		   required_question_ids, applicable_block_ids, auto_resolve_to, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.EventID, c.TriggerAt.UTC(), c.Executed, utcPtr(c.ExecutedAt), utcPtr(c.ClaimedAt),
		required, blocks, autoResolve, c.Message, c.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error(s.d.name+".CreateCheckpoint failed", "error", err, "checkpointID", c.ID)
		return fmt.Errorf("failed to insert checkpoint %s: %w", c.ID, err)
	}
	slog.Debug(s.d.name+".CreateCheckpoint succeeded", "checkpointID", c.ID, "eventID", c.EventID, "triggerAt", c.TriggerAt)
	return nil
}

func (s *sqlBackend) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", id, err)
	}
	c, err := s.toCheckpoint(row)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqlBackend) FindDueUnexecuted(ctx context.Context, now time.Time) ([]models.Checkpoint, error) {
	var rows []checkpointRow
	err := s.db.SelectContext(ctx, &rows, s.q(
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE executed = ? AND trigger_at <= ? ORDER BY trigger_at ASC`),
		false, now.UTC())
	if err != nil {
		slog.Error(s.d.name+".FindDueUnexecuted failed", "error", err)
		return nil, fmt.Errorf("failed to query due checkpoints: %w", err)
	}
	out := make([]models.Checkpoint, 0, len(rows))
	for _, r := range rows {
		c, err := s.toCheckpoint(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	slog.Debug(s.d.name+".FindDueUnexecuted", "count", len(out))
	return out, nil
}

func (s *sqlBackend) ClaimCheckpoint(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE checkpoints SET claimed_at = ?
		 WHERE id = ? AND executed = ? AND (claimed_at IS NULL OR claimed_at < ?)`),
		now.UTC(), id, false, staleBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim checkpoint %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlBackend) ReleaseCheckpoint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE checkpoints SET claimed_at = NULL WHERE id = ? AND executed = ?`), id, false)
	if err != nil {
		return fmt.Errorf("failed to release checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *sqlBackend) MarkExecuted(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE checkpoints SET executed = ?, executed_at = ?, claimed_at = NULL WHERE id = ? AND executed = ?`),
		true, at.UTC(), id, false,
	)
	if err != nil {
		slog.Error(s.d.name+".MarkExecuted failed", "error", err, "checkpointID", id)
		return false, fmt.Errorf("failed to mark checkpoint %s executed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

const nudgeColumns = `id, event_id, guest_id, COALESCE(checkpoint_id, '') AS checkpoint_id, channel, status,
	idempotency_key, COALESCE(external_id, '') AS external_id, message, sent_at, updated_at,
	COALESCE(error_message, '') AS error_message`

func (s *sqlBackend) ReserveNudge(ctx context.Context, n *models.Nudge) (string, bool, error) {
	if n.ID == "" {
		n.ID = util.GenerateID()
	}
	now := time.Now().UTC()
	n.Status = models.NudgeStatusSending
	n.SentAt = now
	n.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO nudges (id, event_id, guest_id, checkpoint_id, channel, status, idempotency_key, message, sent_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`),
		n.ID, n.EventID, n.GuestID, nilIfEmpty(n.CheckpointID), n.Channel, n.Status, n.IdempotencyKey, n.Message, now, now,
	)
	if err != nil {
		slog.Error(s.d.name+".ReserveNudge failed", "error", err, "key", n.IdempotencyKey)
		return "", false, fmt.Errorf("failed to reserve nudge: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		return n.ID, true, nil
	}
	var existingID string
	if err := s.db.GetContext(ctx, &existingID, s.q(`SELECT id FROM nudges WHERE idempotency_key = ?`), n.IdempotencyKey); err != nil {
		return "", false, fmt.Errorf("failed to load existing nudge: %w", err)
	}
	slog.Debug(s.d.name+".ReserveNudge: idempotency hit", "key", n.IdempotencyKey, "existingID", existingID)
	return existingID, false, nil
}

func (s *sqlBackend) getNudgeWhere(ctx context.Context, where string, arg any) (*models.Nudge, error) {
	var n models.Nudge
	err := s.db.GetContext(ctx, &n, s.q(`SELECT `+nudgeColumns+` FROM nudges WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get nudge: %w", err)
	}
	return &n, nil
}

func (s *sqlBackend) GetNudge(ctx context.Context, id string) (*models.Nudge, error) {
	return s.getNudgeWhere(ctx, `id = ?`, id)
}

func (s *sqlBackend) GetNudgeByKey(ctx context.Context, key string) (*models.Nudge, error) {
	return s.getNudgeWhere(ctx, `idempotency_key = ?`, key)
}

func (s *sqlBackend) CompleteNudge(ctx context.Context, id string, status models.NudgeStatus, externalID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE nudges SET status = ?, external_id = ?, error_message = ?, updated_at = ? WHERE id = ?`),
		status, nilIfEmpty(externalID), nilIfEmpty(errMsg), time.Now().UTC(), id,
	)
	if err != nil {
		slog.Error(s.d.name+".CompleteNudge failed", "error", err, "nudgeID", id, "status", status)
		return fmt.Errorf("failed to complete nudge %s: %w", id, err)
	}
	return nil
}

func (s *sqlBackend) RetryFailedNudge(ctx context.Context, id, message string, staleBefore time.Time) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE nudges SET status = ?, message = ?, error_message = NULL, sent_at = ?, updated_at = ?
		 WHERE id = ? AND (status = ? OR (status = ? AND updated_at < ?))`),
		models.NudgeStatusSending, message, now, now, id,
		models.NudgeStatusFailed, models.NudgeStatusSending, staleBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to retry nudge %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlBackend) UpdateNudgeStatusByExternalID(ctx context.Context, externalID string, status models.NudgeStatus) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE nudges SET status = ?, updated_at = ? WHERE external_id = ? AND status <> ?`),
		status, time.Now().UTC(), externalID, models.NudgeStatusDelivered,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update nudge status for %s: %w", externalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlBackend) ListNudges(ctx context.Context, eventID string) ([]models.Nudge, error) {
	var nudges []models.Nudge
	err := s.db.SelectContext(ctx, &nudges, s.q(
		`SELECT `+nudgeColumns+` FROM nudges WHERE event_id = ? ORDER BY sent_at ASC`), eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nudges for %s: %w", eventID, err)
	}
	return nudges, nil
}

func (s *sqlBackend) CountSentNudges(ctx context.Context, eventID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(
		`SELECT COUNT(*) FROM nudges WHERE event_id = ? AND status IN (?, ?)`),
		eventID, models.NudgeStatusSent, models.NudgeStatusDelivered)
	if err != nil {
		return 0, fmt.Errorf("failed to count nudges for %s: %w", eventID, err)
	}
	return n, nil
}

func (s *sqlBackend) UpsertSubscription(ctx context.Context, sub models.Subscription) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO subscriptions (user_id, tier, events_limit, unlimited_events, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET tier = excluded.tier, events_limit = excluded.events_limit,
		   unlimited_events = excluded.unlimited_events, updated_at = excluded.updated_at`),
		sub.UserID, sub.Tier, sub.EventsLimit, sub.UnlimitedEvents, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription for %s: %w", sub.UserID, err)
	}
	return nil
}

func (s *sqlBackend) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.GetContext(ctx, &sub, s.q(
		`SELECT user_id, tier, events_limit, unlimited_events, updated_at FROM subscriptions WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription for %s: %w", userID, err)
	}
	return &sub, nil
}

func (s *sqlBackend) RecordEventPurchase(ctx context.Context, p models.EventPurchase) error {
	if p.PurchasedAt.IsZero() {
		p.PurchasedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO event_purchases (event_id, tier, purchased_at) VALUES (?, ?, ?)
		 ON CONFLICT (event_id) DO UPDATE SET tier = excluded.tier, purchased_at = excluded.purchased_at`),
		p.EventID, p.Tier, p.PurchasedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record purchase for %s: %w", p.EventID, err)
	}
	return nil
}

func (s *sqlBackend) GetEventPurchase(ctx context.Context, eventID string) (*models.EventPurchase, error) {
	var p models.EventPurchase
	err := s.db.GetContext(ctx, &p, s.q(
		`SELECT event_id, tier, purchased_at FROM event_purchases WHERE event_id = ?`), eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase for %s: %w", eventID, err)
	}
	return &p, nil
}
