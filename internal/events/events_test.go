package events

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
)

func TestDecodeClient(t *testing.T) {
	ev, err := DecodeClient([]byte(`{"type":"code-change","payload":{"roomId":"r1","code":"print(1)","cursorPosition":{"lineNumber":1,"column":9}}}`))
	require.NoError(t, err)
	cc, ok := ev.(CodeChange)
	require.True(t, ok)
	assert.Equal(t, "r1", cc.Room())
	assert.Equal(t, "print(1)", cc.Code)
	assert.JSONEq(t, `{"lineNumber":1,"column":9}`, string(cc.CursorPosition))

	ev, err = DecodeClient([]byte(`{"type":"join-room","payload":{"roomId":"r1","userDisplayInfo":{"name":"bob"}}}`))
	require.NoError(t, err)
	jr := ev.(JoinRoom)
	require.NotNil(t, jr.UserDisplayInfo)
	assert.Equal(t, "bob", jr.UserDisplayInfo.Name)

	ev, err = DecodeClient([]byte(`{"type":"authenticate","payload":{"token":"abc"}}`))
	require.NoError(t, err)
	assert.Equal(t, Authenticate{Token: "abc"}, ev)
}

func TestDecodeClient_Rejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want error
	}{
		{"not json", `{`, ErrMalformed},
		{"no type", `{"payload":{}}`, ErrMalformed},
		{"unknown", `{"type":"drop-table","payload":{}}`, ErrUnknownEvent},
		{"no payload", `{"type":"leave-room"}`, ErrMalformed},
		{"no room", `{"type":"typing","payload":{"isTyping":true}}`, ErrMalformed},
		{"bad field", `{"type":"lock-room","payload":{"roomId":"r","locked":"yes"}}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeClient([]byte(tc.in))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEncode(t *testing.T) {
	b, err := Encode(NewMessage{MessageView{ID: "m1", RoomID: "r", UserID: "2", Username: "bob", Message: "hi",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"new-message","payload":{"id":"m1","roomId":"r","userId":"2","username":"bob","message":"hi","timestamp":"2025-03-01T12:00:00Z"}}`, string(b))

	b, err = Encode(LockUpdated{LockView{Locked: true, OwnerID: "1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"lock-updated","payload":{"locked":true,"ownerId":"1"}}`, string(b))
}

func TestNewRoomState(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, err := domain.NewRoom("r1", domain.User{ID: 1, DisplayName: "alice"}, "pair", "two-sum",
		domain.RoomConfig{MaxParticipants: 3}, domain.DefaultLimits(), now)
	require.NoError(t, err)
	_, err = r.Join(domain.User{ID: 2, DisplayName: "bob"}, now)
	require.NoError(t, err)
	_, err = r.AddMessage(domain.User{ID: 2}, "m1", "hello", domain.DefaultLimits(), now)
	require.NoError(t, err)
	_, err = r.SetRunResult(2, json.RawMessage(`{"ok":true}`), now)
	require.NoError(t, err)

	st := NewRoomState(r)
	assert.Equal(t, "1", st.HostID)
	require.Len(t, st.Participants, 2)
	assert.True(t, st.Participants[0].IsHost)
	assert.False(t, st.Participants[0].IsActive)
	assert.True(t, st.Participants[1].IsActive)
	require.Len(t, st.ChatHistory, 1)
	assert.Equal(t, "bob", st.ChatHistory[0].Username)
	require.NotNil(t, st.LastResult)
	assert.Equal(t, "2", st.LastResult.UserID)

	b, err := Encode(st)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	assert.Equal(t, TypeRoomState, env.Type)
}

func TestErrorFrom(t *testing.T) {
	e := ErrorFrom(fmt.Errorf("join: %w", domain.ErrRoomFull), TypeJoinRoom)
	assert.Equal(t, "capacity", e.Code)
	assert.Equal(t, TypeJoinRoom, e.RequestType)

	e = ErrorFrom(fmt.Errorf("pg: connection refused"), TypeSendMessage)
	assert.Equal(t, "internal", e.Code)
	assert.Equal(t, "internal error", e.Message)
}
