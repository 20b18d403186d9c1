package repository

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Cursor: позиция в выдаче, упорядоченной по (created_at, id) DESC.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func EncodeCursor(c Cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor: пустая строка: начало выдачи (nil, nil).
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: cursor base64: %v", ErrInvalidInput, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: cursor json: %v", ErrInvalidInput, err)
	}
	return &c, nil
}

// Before сообщает, идёт ли позиция (createdAt, id) после курсора в порядке DESC.
func (c *Cursor) Before(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	return createdAt.Before(c.CreatedAt) || (createdAt.Equal(c.CreatedAt) && id < c.ID)
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
