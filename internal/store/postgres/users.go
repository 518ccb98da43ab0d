package postgres

import (
	"context"
	"database/sql"

	"fidelya-notifications/internal/models"
	"fidelya-notifications/internal/store"

	"github.com/lib/pq"
)

func (s *Store) GetRecipients(ctx context.Context, ids []string) (map[string]*models.Recipient, error) {
	out := make(map[string]*models.Recipient, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, phone, display_name, push_tokens
		FROM users WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, queryErr("get_recipients", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                  models.Recipient
			email, phone, name sql.NullString
			tokens             pq.StringArray
		)
		if err := rows.Scan(&r.ID, &email, &phone, &name, &tokens); err != nil {
			return nil, queryErr("get_recipients", err)
		}
		r.Email = email.String
		r.Phone = phone.String
		r.Name = name.String
		r.PushTokens = []string(tokens)
		out[r.ID] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("get_recipients", err)
	}
	return out, nil
}

func (s *Store) userExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	return exists, err
}

// AddPushToken appends token unless the user already holds it.
func (s *Store) AddPushToken(ctx context.Context, userID, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET push_tokens = array_append(push_tokens, $2), updated_at = now()
		WHERE id = $1 AND NOT ($2 = ANY(push_tokens))`, userID, token)
	if err != nil {
		return queryErr("add_push_token", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	exists, err := s.userExists(ctx, userID)
	if err != nil {
		return queryErr("add_push_token", err)
	}
	if !exists {
		return store.NotFound("user", userID)
	}
	return nil
}

func (s *Store) RemovePushToken(ctx context.Context, userID, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET push_tokens = array_remove(push_tokens, $2), updated_at = now()
		WHERE id = $1`, userID, token)
	if err != nil {
		return queryErr("remove_push_token", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFound("user", userID)
	}
	return nil
}

func (s *Store) PrunePushToken(ctx context.Context, token string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET push_tokens = array_remove(push_tokens, $1), updated_at = now()
		WHERE $1 = ANY(push_tokens)`, token)
	if err != nil {
		return 0, queryErr("prune_push_token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, queryErr("prune_push_token", err)
	}
	return int(n), nil
}

func (s *Store) CreateInAppNotification(ctx context.Context, n *models.InAppNotification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO in_app_notifications (id, notification_id, delivery_id, recipient_id,
			title, message, type, action_url, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.NotificationID, n.DeliveryID, n.RecipientID, n.Title, n.Message, n.Type,
		nullString(n.ActionURL), n.CreatedAt)
	if err != nil {
		return queryErr("create_in_app", err)
	}
	return nil
}
