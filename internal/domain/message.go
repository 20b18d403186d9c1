package domain

import (
	"encoding/json"
	"time"
)

type ChatMessage struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
	UserID UserID `json:"user_id"`
	// DisplayName: снимок имени на момент отправки, повторно не резолвится
	DisplayName string    `json:"display_name"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

type CodeHistoryEntry struct {
	UserID    UserID    `json:"user_id"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// RunResult: результат прогона тестов из внешнего сервиса исполнения; содержимое не интерпретируем.
type RunResult struct {
	UserID     UserID          `json:"user_id"`
	Results    json.RawMessage `json:"results"`
	ReportedAt time.Time       `json:"reported_at"`
}
