package store

import "strings"

// SearchMessages does a case-insensitive substring search over message
// bodies. conversationID of 0 searches every conversation.
func (db *DB) SearchMessages(query string, conversationID int64, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE body LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != 0 {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	msgs, err := db.queryMessages(q, args...)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{
			Message:        m,
			ConversationID: m.ConversationID,
			Snippet:        snippet(m.Body, query, 32),
		})
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet returns the match with up to radius runes of context on each side,
// marked with << >>.
func snippet(body, query string, radius int) string {
	lower := []rune(strings.ToLower(body))
	runes := []rune(body)
	q := []rune(strings.ToLower(query))
	idx := -1
	for i := 0; i+len(q) <= len(lower); i++ {
		if string(lower[i:i+len(q)]) == string(q) {
			idx = i
			break
		}
	}
	if idx < 0 || len(lower) != len(runes) {
		return body
	}
	start := max(idx-radius, 0)
	end := min(idx+len(q)+radius, len(runes))
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(string(runes[start:idx]))
	b.WriteString("<<")
	b.WriteString(string(runes[idx : idx+len(q)]))
	b.WriteString(">>")
	b.WriteString(string(runes[idx+len(q) : end]))
	if end < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}
