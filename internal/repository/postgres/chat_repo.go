package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/repository"
)

// Append пишет сообщения в архив; повтор по тому же id ничего не меняет.
func (r *RoomRepo) Append(ctx context.Context, roomID string, msgs []domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(QueryAppendMessage, m.ID, roomID, int64(m.UserID), m.DisplayName, m.Text, m.CreatedAt)
	}
	br := r.q.SendBatch(ctx, batch)
	defer br.Close()

	for range msgs {
		if _, err := br.Exec(); err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

// History: история комнаты, новые первыми, курсор по (created_at, id).
func (r *RoomRepo) History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error) {
	createdAt, id, err := cursorArgs(after)
	if err != nil {
		return nil, "", err
	}
	limit = repository.ClampLimit(limit)

	rows, err := r.q.Query(ctx, QueryChatHistory, roomID, createdAt, id, limit)
	if err != nil {
		return nil, "", mapPgError(err)
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		var (
			m      domain.ChatMessage
			userID int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &userID, &m.DisplayName, &m.Text, &m.CreatedAt); err != nil {
			return nil, "", err
		}
		m.UserID = domain.UserID(userID)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", mapPgError(err)
	}
	return out, repository.MessagesNextCursor(out, limit), nil
}
