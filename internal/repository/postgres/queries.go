package postgres

const roomColumns = `
	id, name, problem_id, host_id, code, language,
	participants, chat, code_history, last_result, lock,
	is_active, max_participants, time_limit_ms, expires_at,
	created_at, updated_at, version`

const (
	QueryCreateRoom = `
		INSERT INTO rooms (` + roomColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	QueryGetRoom = `
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)`

	// версия растёт монотонно: запись со старой версией не применяется
	QuerySaveRoom = `
		UPDATE rooms SET
			name = $2, problem_id = $3, host_id = $4, code = $5, language = $6,
			participants = $7, chat = $8, code_history = $9, last_result = $10, lock = $11,
			is_active = $12, max_participants = $13, time_limit_ms = $14, expires_at = $15,
			updated_at = $16, version = $17
		WHERE id = $1 AND version < $17`

	QueryRoomExists = `SELECT 1 FROM rooms WHERE id = $1`

	QueryDeleteRoom = `DELETE FROM rooms WHERE id = $1`

	QueryListActiveRooms = `
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE is_active
		  AND (expires_at IS NULL OR expires_at > $1)
		  AND ($2 = '' OR problem_id = $2)
		  AND ($3 = '' OR language = $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4
		       OR (created_at = $4 AND id < $5))
		ORDER BY created_at DESC, id DESC
		LIMIT $6`

	QueryListUserRooms = `
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE (host_id = $1 OR participants @> jsonb_build_array(jsonb_build_object('user_id', $1::bigint)))
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3
		       OR (created_at = $3 AND id < $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`

	QueryDeleteExpiredRooms = `
		DELETE FROM rooms
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		RETURNING id`

	QueryAppendMessage = `
		INSERT INTO room_messages (id, room_id, user_id, display_name, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	QueryChatHistory = `
		SELECT id, room_id, user_id, display_name, text, created_at
		FROM room_messages
		WHERE room_id = $1
		  AND ($2::timestamptz IS NULL OR created_at < $2
		       OR (created_at = $2 AND id < $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	QueryGetUserProfile = `SELECT id, display_name, avatar_url FROM users WHERE id = $1`

	QueryProblemExists = `SELECT EXISTS (SELECT 1 FROM problems WHERE id = $1)`
)
