package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dialogstack/conductor/dialog"
	"github.com/dialogstack/conductor/store"
)

func (d *DB) GetDialog(ctx context.Context, id string) (*dialog.Dialog, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, user_external_id, channel_type, active, date_start, date_finish, attributes
		FROM dialogs WHERE id = $1`, id)
	return d.scanDialog(ctx, row)
}

func (d *DB) GetActiveDialog(ctx context.Context, userExternalID string) (*dialog.Dialog, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, user_external_id, channel_type, active, date_start, date_finish, attributes
		FROM dialogs WHERE user_external_id = $1 AND active
		ORDER BY date_start DESC LIMIT 1`, userExternalID)
	return d.scanDialog(ctx, row)
}

func (d *DB) scanDialog(ctx context.Context, row *sql.Row) (*dialog.Dialog, error) {
	dlg := &dialog.Dialog{}
	var finish sql.NullTime
	var attrs []byte
	err := row.Scan(&dlg.ID, &dlg.UserExternalID, &dlg.ChannelType, &dlg.Active, &dlg.StartedAt, &finish, &attrs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dialog: %w", err)
	}
	if finish.Valid {
		dlg.FinishedAt = finish.Time
	}
	if err := json.Unmarshal(attrs, &dlg.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode dialog attributes: %w", err)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT body FROM utterances WHERE dialog_id = $1 ORDER BY in_dialog_id`, dlg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list utterances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan utterance: %w", err)
		}
		u := &dialog.Utterance{}
		if err := json.Unmarshal(body, u); err != nil {
			return nil, fmt.Errorf("failed to decode utterance: %w", err)
		}
		dlg.Utterances = append(dlg.Utterances, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate utterances: %w", err)
	}
	return dlg, nil
}

func (d *DB) UpsertDialog(ctx context.Context, dlg *dialog.Dialog) error {
	attrs, err := json.Marshal(dlg.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode dialog attributes: %w", err)
	}
	var finish any
	if !dlg.FinishedAt.IsZero() {
		finish = dlg.FinishedAt
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	fields := []string{"id", "user_external_id", "channel_type", "active", "date_start", "date_finish", "attributes"}
	args := []any{dlg.ID, dlg.UserExternalID, dlg.ChannelType, dlg.Active, dlg.StartedAt, finish, attrs}
	stmt := `INSERT INTO dialogs (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		ON CONFLICT (id) DO UPDATE SET
			active = excluded.active,
			date_finish = excluded.date_finish,
			attributes = excluded.attributes`
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to upsert dialog: %w", err)
	}

	for _, u := range dlg.Utterances {
		body, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("failed to encode utterance: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO utterances (utt_id, dialog_id, in_dialog_id, kind, body)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (utt_id) DO UPDATE SET body = excluded.body`,
			u.UttID, dlg.ID, u.InDialogID, string(u.Kind), body)
		if err != nil {
			return fmt.Errorf("failed to upsert utterance: %w", err)
		}
	}
	return tx.Commit()
}

func (d *DB) ListDialogs(ctx context.Context, find *store.FindDialog) ([]*store.DialogSummary, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.UserExternalID != nil {
		where, args = append(where, "d.user_external_id = "+placeholder(len(args)+1)), append(args, *find.UserExternalID)
	}
	if find.Active != nil {
		where, args = append(where, "d.active = "+placeholder(len(args)+1)), append(args, *find.Active)
	}

	query := `
		SELECT d.id, d.user_external_id, d.channel_type, d.active, d.date_start,
			COALESCE(COUNT(u.utt_id), 0) AS utterance_count
		FROM dialogs d
		LEFT JOIN utterances u ON u.dialog_id = d.id
		WHERE ` + strings.Join(where, " AND ") + `
		GROUP BY d.id, d.user_external_id, d.channel_type, d.active, d.date_start
		ORDER BY d.date_start DESC`
	if find.Limit > 0 {
		query += " LIMIT " + placeholder(len(args)+1)
		args = append(args, find.Limit)
		if find.Offset > 0 {
			query += " OFFSET " + placeholder(len(args)+1)
			args = append(args, find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dialogs: %w", err)
	}
	defer rows.Close()

	list := make([]*store.DialogSummary, 0)
	for rows.Next() {
		s := &store.DialogSummary{}
		if err := rows.Scan(&s.ID, &s.UserExternalID, &s.ChannelType, &s.Active, &s.StartedAt, &s.UtteranceCount); err != nil {
			return nil, fmt.Errorf("failed to scan dialog summary: %w", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dialogs: %w", err)
	}
	return list, nil
}

func (d *DB) SetDialogRating(ctx context.Context, dialogID string, rating float64) error {
	res, err := d.db.ExecContext(ctx, `UPDATE dialogs SET rating = $1 WHERE id = $2`, rating, dialogID)
	if err != nil {
		return fmt.Errorf("failed to rate dialog: %w", err)
	}
	return requireRow(res, "dialog", dialogID)
}

func (d *DB) SetUtteranceRating(ctx context.Context, uttID string, rating float64) error {
	res, err := d.db.ExecContext(ctx, `UPDATE utterances SET rating = $1 WHERE utt_id = $2`, rating, uttID)
	if err != nil {
		return fmt.Errorf("failed to rate utterance: %w", err)
	}
	return requireRow(res, "utterance", uttID)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}
