package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/FormPipe/internal/models"
)

// sqlStore implements Store on database/sql. Queries use ? placeholders and are
// rewritten by bind for drivers that number their parameters.
type sqlStore struct {
	db   *sql.DB
	name string
	bind func(string) string
}

// openSQL opens and pings db, applies migrations and wraps it as name.
// configure tunes the pool before the first connection is made.
func openSQL(driver, dsn, name, migrations string, configure func(*sql.DB)) (*sqlStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if configure != nil {
		configure(db)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug(name+".open: migrations applied", "driver", driver)
	return &sqlStore{db: db, name: name}, nil
}

func (s *sqlStore) q(query string) string {
	if s.bind == nil {
		return query
	}
	return s.bind(query)
}

func (s *sqlStore) SaveForm(ctx context.Context, form models.FormDefinition) error {
	body, err := json.Marshal(form)
	if err != nil {
		return fmt.Errorf("failed to encode form %s: %w", form.ID, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM forms WHERE slug = ?`), form.Slug).Scan(&owner)
	switch {
	case err == nil && owner != form.ID:
		return fmt.Errorf("save form %s: %w", form.Slug, ErrSlugTaken)
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to check slug %s: %w", form.Slug, err)
	}

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO forms (id, slug, status, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET slug = excluded.slug, status = excluded.status,
			body = excluded.body, updated_at = excluded.updated_at`),
		form.ID, form.Slug, string(form.Status), string(body), form.CreatedAt.UTC(), form.UpdatedAt.UTC())
	if err != nil {
		slog.Error(s.name+".SaveForm failed", "error", err, "formID", form.ID)
		return fmt.Errorf("failed to save form %s: %w", form.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit form %s: %w", form.ID, err)
	}
	slog.Debug(s.name+".SaveForm succeeded", "formID", form.ID, "slug", form.Slug, "status", form.Status)
	return nil
}

func (s *sqlStore) GetForm(ctx context.Context, id string) (*models.FormDefinition, error) {
	return s.getForm(ctx, `SELECT body FROM forms WHERE id = ?`, id)
}

func (s *sqlStore) GetFormBySlug(ctx context.Context, slug string) (*models.FormDefinition, error) {
	return s.getForm(ctx, `SELECT body FROM forms WHERE slug = ?`, slug)
}

func (s *sqlStore) getForm(ctx context.Context, query, arg string) (*models.FormDefinition, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q(query), arg).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("form %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		slog.Error(s.name+".GetForm failed", "error", err, "ref", arg)
		return nil, fmt.Errorf("failed to load form %s: %w", arg, err)
	}
	var form models.FormDefinition
	if err := json.Unmarshal([]byte(body), &form); err != nil {
		return nil, fmt.Errorf("failed to decode form %s: %w", arg, err)
	}
	return &form, nil
}

func (s *sqlStore) ListForms(ctx context.Context) ([]models.FormDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM forms ORDER BY slug`)
	if err != nil {
		slog.Error(s.name+".ListForms query failed", "error", err)
		return nil, fmt.Errorf("failed to query forms: %w", err)
	}
	defer rows.Close()
	var forms []models.FormDefinition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan form row: %w", err)
		}
		var form models.FormDefinition
		if err := json.Unmarshal([]byte(body), &form); err != nil {
			return nil, fmt.Errorf("failed to decode form row: %w", err)
		}
		forms = append(forms, form)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate form rows: %w", err)
	}
	return forms, nil
}

func (s *sqlStore) CreateSession(ctx context.Context, session models.Session) error {
	metadata, err := encodeMetadata(session.Metadata)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO sessions
		(id, form_id, status, current_node_id, channel, locale, metadata, created_at, updated_at, completed_at, msg_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		session.ID, session.FormID, string(session.Status), nilIfEmpty(session.CurrentNodeID),
		nilIfEmpty(session.Channel), nilIfEmpty(session.Locale), nilIfEmpty(metadata),
		session.CreatedAt.UTC(), session.UpdatedAt.UTC(), nullTime(session.CompletedAt), len(session.Messages))
	if err != nil {
		slog.Error(s.name+".CreateSession failed", "error", err, "sessionID", session.ID, "formID", session.FormID)
		return fmt.Errorf("failed to insert session %s: %w", session.ID, err)
	}
	if err := s.appendMessages(ctx, tx, session.ID, session.Messages); err != nil {
		return err
	}
	if err := s.upsertAnswers(ctx, tx, session.ID, session.Answers, session.UpdatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session %s: %w", session.ID, err)
	}
	slog.Debug(s.name+".CreateSession succeeded", "sessionID", session.ID, "formID", session.FormID)
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT id, form_id, status, current_node_id, channel, locale, metadata,
		created_at, updated_at, completed_at FROM sessions WHERE id = ?`), id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		slog.Error(s.name+".GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	session.Answers = make(map[string]string)
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT field_key, value FROM answers WHERE session_id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query answers for %s: %w", id, err)
	}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan answer row: %w", err)
		}
		session.Answers[key] = value
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate answer rows: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, s.q(`SELECT role, content, created_at FROM messages WHERE session_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var m models.Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Role = models.Role(role)
		session.Messages = append(session.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return &session, nil
}

func (s *sqlStore) Commit(ctx context.Context, commit TurnCommit) error {
	sess := commit.Session
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The row lock taken by this UPDATE orders concurrent commits; the loser matches no row.
	res, err := tx.ExecContext(ctx, s.q(`UPDATE sessions SET status = ?, current_node_id = ?, updated_at = ?, completed_at = ?,
		msg_count = msg_count + ?
		WHERE id = ? AND status = ? AND msg_count = ?`),
		string(sess.Status), nilIfEmpty(sess.CurrentNodeID), sess.UpdatedAt.UTC(), nullTime(sess.CompletedAt),
		len(commit.Messages), sess.ID, string(models.SessionStatusActive), commit.ExpectedMessages)
	if err != nil {
		slog.Error(s.name+".Commit session update failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session update for %s: %w", sess.ID, err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM sessions WHERE id = ?`), sess.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("commit session %s: %w", sess.ID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read session %s: %w", sess.ID, err)
		}
		slog.Warn(s.name+".Commit: stale commit rejected", "sessionID", sess.ID, "expected", commit.ExpectedMessages)
		return fmt.Errorf("commit session %s: %w", sess.ID, ErrConflict)
	}
	if err := s.appendMessages(ctx, tx, sess.ID, commit.Messages); err != nil {
		return err
	}
	if err := s.upsertAnswers(ctx, tx, sess.ID, commit.Answers, sess.UpdatedAt); err != nil {
		return err
	}
	if sub := commit.Submission; sub != nil {
		answers, err := json.Marshal(copyAnswers(sub.Answers))
		if err != nil {
			return fmt.Errorf("failed to encode submission answers: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO submissions (id, session_id, form_id, answers, created_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (session_id) DO NOTHING`),
			sub.ID, sub.SessionID, sub.FormID, string(answers), sub.CreatedAt.UTC())
		if err != nil {
			slog.Error(s.name+".Commit submission insert failed", "error", err, "sessionID", sess.ID)
			return fmt.Errorf("failed to insert submission for %s: %w", sess.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn for %s: %w", sess.ID, err)
	}
	slog.Debug(s.name+".Commit succeeded", "sessionID", sess.ID, "status", sess.Status,
		"messages", len(commit.Messages), "answers", len(commit.Answers), "submission", commit.Submission != nil)
	return nil
}

func (s *sqlStore) appendMessages(ctx context.Context, tx *sql.Tx, sessionID string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	var seq int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`), sessionID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read message sequence for %s: %w", sessionID, err)
	}
	for _, m := range msgs {
		seq++
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO messages (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`),
			sessionID, seq, string(m.Role), m.Content, m.Timestamp.UTC())
		if err != nil {
			slog.Error(s.name+" message insert failed", "error", err, "sessionID", sessionID, "seq", seq)
			return fmt.Errorf("failed to insert message %d for %s: %w", seq, sessionID, err)
		}
	}
	return nil
}

func (s *sqlStore) upsertAnswers(ctx context.Context, tx *sql.Tx, sessionID string, answers map[string]string, at time.Time) error {
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO answers (session_id, field_key, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (session_id, field_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
			sessionID, k, answers[k], at.UTC())
		if err != nil {
			slog.Error(s.name+" answer upsert failed", "error", err, "sessionID", sessionID, "field", k)
			return fmt.Errorf("failed to upsert answer %s for %s: %w", k, sessionID, err)
		}
	}
	return nil
}

func (s *sqlStore) GetSubmission(ctx context.Context, sessionID string) (*models.Submission, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT id, session_id, form_id, answers, created_at FROM submissions WHERE session_id = ?`), sessionID)
	sub, err := scanSubmission(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load submission for %s: %w", sessionID, err)
	}
	return &sub, nil
}

func (s *sqlStore) ListSubmissions(ctx context.Context, formID string) ([]models.Submission, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, session_id, form_id, answers, created_at FROM submissions
		WHERE form_id = ? ORDER BY created_at, id`), formID)
	if err != nil {
		slog.Error(s.name+".ListSubmissions query failed", "error", err, "formID", formID)
		return nil, fmt.Errorf("failed to query submissions for %s: %w", formID, err)
	}
	defer rows.Close()
	var subs []models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission row: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate submission rows: %w", err)
	}
	return subs, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	return s.db.Close()
}

func scanSubmission(scan func(dest ...any) error) (models.Submission, error) {
	var sub models.Submission
	var answers string
	if err := scan(&sub.ID, &sub.SessionID, &sub.FormID, &answers, &sub.CreatedAt); err != nil {
		return sub, err
	}
	if err := json.Unmarshal([]byte(answers), &sub.Answers); err != nil {
		return sub, fmt.Errorf("failed to decode submission answers: %w", err)
	}
	return sub, nil
}
