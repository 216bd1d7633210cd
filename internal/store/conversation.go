package store

import (
	"database/sql"
	"fmt"
	"time"
)

const conversationColumns = `id, remote_id, participant_a, participant_b, topic_id,
	participant_a_name, participant_b_name, topic_name, last_message, last_message_time,
	last_sender_id, unread_count, created_at, updated_at, sync_status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var (
		c                          Conversation
		topic                      sql.NullInt64
		lastAt, createdAt, updated int64
		state                      string
	)
	if err := r.Scan(&c.ID, &c.RemoteID, &c.ParticipantA, &c.ParticipantB, &topic,
		&c.ParticipantAName, &c.ParticipantBName, &c.TopicName, &c.LastMessage, &lastAt,
		&c.LastSenderID, &c.UnreadCount, &createdAt, &updated, &state); err != nil {
		return nil, err
	}
	if topic.Valid {
		t := topic.Int64
		c.TopicID = &t
	}
	c.LastMessageTime = fromMillis(lastAt)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updated)
	c.SyncState, _ = ParseSyncState(state)
	return &c, nil
}

func (db *DB) queryConversation(query string, args ...any) (*Conversation, error) {
	c, err := scanConversation(db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func nullTopic(topic *int64) any {
	if topic == nil {
		return nil
	}
	return *topic
}

// FindConversation returns the conversation for the canonical pair (a, b)
// and topic. A nil topic only matches conversations without a topic.
func (db *DB) FindConversation(a, b int64, topic *int64) (*Conversation, error) {
	return db.queryConversation(`SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = ? AND participant_b = ? AND topic_id IS ?`,
		a, b, nullTopic(topic))
}

// GetConversation returns a conversation by local id, or nil if missing.
func (db *DB) GetConversation(id int64) (*Conversation, error) {
	return db.queryConversation(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
}

// GetConversationByRemoteID returns a conversation by remote id, or nil if missing.
func (db *DB) GetConversationByRemoteID(remoteID string) (*Conversation, error) {
	return db.queryConversation(`SELECT `+conversationColumns+` FROM conversations WHERE remote_id = ?`, remoteID)
}

// InsertConversation persists a new conversation and sets c.ID.
// Returns ErrConflict if the pair/topic or remote id already exists.
func (db *DB) InsertConversation(c *Conversation) error {
	if c.ParticipantA > c.ParticipantB {
		return fmt.Errorf("insert conversation: participants %d > %d not canonical", c.ParticipantA, c.ParticipantB)
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	res, err := db.Exec(`
		INSERT INTO conversations (remote_id, participant_a, participant_b, topic_id,
			participant_a_name, participant_b_name, topic_name, last_message, last_message_time,
			last_sender_id, unread_count, created_at, updated_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RemoteID, c.ParticipantA, c.ParticipantB, nullTopic(c.TopicID),
		c.ParticipantAName, c.ParticipantBName, c.TopicName, c.LastMessage, millis(c.LastMessageTime),
		c.LastSenderID, c.UnreadCount, millis(c.CreatedAt), millis(c.UpdatedAt), c.SyncState.String())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// SetConversationSyncState records the outcome of a remote sync attempt.
func (db *DB) SetConversationSyncState(id int64, state SyncState) error {
	_, err := db.Exec(`UPDATE conversations SET sync_status = ?, updated_at = ? WHERE id = ?`,
		state.String(), time.Now().UnixMilli(), id)
	return err
}

// UpdateConversationSummary sets the last-message fields of a conversation.
// The preview only moves forward in time: an older message never replaces a
// newer summary. When incrementUnread is set the unread counter is bumped
// regardless of ordering.
func (db *DB) UpdateConversationSummary(id int64, preview string, at time.Time, senderID int64, incrementUnread bool) error {
	inc := 0
	if incrementUnread {
		inc = 1
	}
	ts := millis(at)
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message = CASE WHEN ? >= last_message_time THEN ? ELSE last_message END,
			last_sender_id = CASE WHEN ? >= last_message_time THEN ? ELSE last_sender_id END,
			last_message_time = MAX(last_message_time, ?),
			unread_count = unread_count + ?,
			updated_at = ?
		WHERE id = ?`,
		ts, preview, ts, senderID, ts, inc, time.Now().UnixMilli(), id)
	return err
}

// MarkConversationRead zeroes the unread counter and marks every message
// not sent by reader as read. Returns the number of messages changed.
func (db *DB) MarkConversationRead(id, reader int64, at time.Time) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		UPDATE messages SET is_read = 1, read_at = ?, status = ?
		WHERE conversation_id = ? AND sender_id != ? AND is_read = 0`,
		millis(at), StatusRead.String(), id, reader)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	if _, err := tx.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id); err != nil {
		return 0, fmt.Errorf("reset unread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return res.RowsAffected()
}

// ListConversations returns conversations by most recent activity first.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	return db.queryConversations(`SELECT `+conversationColumns+`
		FROM conversations
		ORDER BY MAX(last_message_time, created_at) DESC
		LIMIT ? OFFSET ?`, limit, offset)
}

// UnsyncedConversations returns conversations whose remote copy is pending
// or failed, oldest first.
func (db *DB) UnsyncedConversations() ([]Conversation, error) {
	return db.queryConversations(`SELECT `+conversationColumns+`
		FROM conversations
		WHERE sync_status IN (?, ?)
		ORDER BY created_at ASC, id ASC`, SyncPending.String(), SyncError.String())
}

func (db *DB) queryConversations(query string, args ...any) ([]Conversation, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}
