package store

import (
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `id, remote_id, conversation_id, sender_id, sender_name, body, type,
	is_read, read_at, status, created_at, sync_status`

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m                 Message
		readAt, createdAt int64
		status, state     string
	)
	if err := r.Scan(&m.ID, &m.RemoteID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Body, &m.Type,
		&m.IsRead, &readAt, &status, &createdAt, &state); err != nil {
		return nil, err
	}
	m.ReadAt = fromMillis(readAt)
	m.CreatedAt = fromMillis(createdAt)
	m.Status, _ = ParseDeliveryStatus(status)
	m.SyncState, _ = ParseSyncState(state)
	return &m, nil
}

// InsertMessage persists a message and sets m.ID. It is idempotent on the
// remote id: if a row with the same remote id exists nothing is written and
// inserted is false.
func (db *DB) InsertMessage(m *Message) (inserted bool, err error) {
	if m.RemoteID == "" {
		return false, fmt.Errorf("insert message: empty remote id")
	}
	if m.Type == "" {
		m.Type = "text"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := db.Exec(`
		INSERT INTO messages (remote_id, conversation_id, sender_id, sender_name, body, type,
			is_read, read_at, status, created_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO NOTHING`,
		m.RemoteID, m.ConversationID, m.SenderID, m.SenderName, m.Body, m.Type,
		m.IsRead, millis(m.ReadAt), m.Status.String(), millis(m.CreatedAt), m.SyncState.String())
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	m.ID, err = res.LastInsertId()
	return true, err
}

// MessageExists reports whether a message with the given remote id is stored.
func (db *DB) MessageExists(remoteID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM messages WHERE remote_id = ?`, remoteID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// GetMessage returns a message by local id, or nil if missing.
func (db *DB) GetMessage(id int64) (*Message, error) {
	return db.queryMessage(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
}

// GetMessageByRemoteID returns a message by remote id, or nil if missing.
func (db *DB) GetMessageByRemoteID(remoteID string) (*Message, error) {
	return db.queryMessage(`SELECT `+messageColumns+` FROM messages WHERE remote_id = ?`, remoteID)
}

func (db *DB) queryMessage(query string, args ...any) (*Message, error) {
	m, err := scanMessage(db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetMessageDelivery records the outcome of a remote propagation attempt.
func (db *DB) SetMessageDelivery(id int64, status DeliveryStatus, state SyncState) error {
	_, err := db.Exec(`UPDATE messages SET status = ?, sync_status = ? WHERE id = ?`,
		status.String(), state.String(), id)
	return err
}

// ListMessages returns up to limit messages of a conversation created before
// beforeMs, in chronological order. beforeMs <= 0 means the latest page,
// including messages stamped ahead of the local clock.
func (db *DB) ListMessages(conversationID int64, beforeMs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeMs > 0 {
		query += ` AND created_at < ?`
		args = append(args, beforeMs)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	msgs, err := db.queryMessages(query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LatestMessageTime returns the created time of the newest message in a
// conversation, or the zero time if it has none.
func (db *DB) LatestMessageTime(conversationID int64) (time.Time, error) {
	var ms sql.NullInt64
	err := db.QueryRow(`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&ms)
	if err != nil || !ms.Valid {
		return time.Time{}, err
	}
	return fromMillis(ms.Int64), nil
}

// UnsyncedMessages returns messages whose remote copy is pending or failed,
// oldest first.
func (db *DB) UnsyncedMessages() ([]Message, error) {
	return db.queryMessages(`
		SELECT `+messageColumns+` FROM messages
		WHERE sync_status IN (?, ?)
		ORDER BY created_at ASC, id ASC`, SyncPending.String(), SyncError.String())
}

func (db *DB) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
