package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/bazaar/internal/netstate"
	"github.com/matheus3301/bazaar/internal/notify"
	"github.com/matheus3301/bazaar/internal/outbox"
	"github.com/matheus3301/bazaar/internal/store"
	intsync "github.com/matheus3301/bazaar/internal/sync"
)

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func conversationToMap(c *store.Conversation) map[string]any {
	m := map[string]any{
		"id":                 c.ID,
		"remote_id":          c.RemoteID,
		"participant_a":      c.ParticipantA,
		"participant_b":      c.ParticipantB,
		"participant_a_name": c.ParticipantAName,
		"participant_b_name": c.ParticipantBName,
		"topic_name":         c.TopicName,
		"last_message":       c.LastMessage,
		"last_message_ms":    ms(c.LastMessageTime),
		"last_sender_id":     c.LastSenderID,
		"unread_count":       int64(c.UnreadCount),
		"created_ms":         ms(c.CreatedAt),
		"sync_state":         c.SyncState.String(),
	}
	if c.TopicID != nil {
		m["topic_id"] = *c.TopicID
	}
	return m
}

func messageToMap(m *store.Message) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"remote_id":       m.RemoteID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"sender_name":     m.SenderName,
		"body":            m.Body,
		"type":            m.Type,
		"is_read":         m.IsRead,
		"read_ms":         ms(m.ReadAt),
		"status":          m.Status.String(),
		"created_ms":      ms(m.CreatedAt),
		"sync_state":      m.SyncState.String(),
	}
}

func reportToMap(r intsync.SweepReport) map[string]any {
	return map[string]any{
		"attempted": int64(r.Attempted),
		"synced":    int64(r.Synced),
		"failed":    int64(r.Failed),
		"skipped":   int64(r.Skipped),
		"offline":   r.Offline,
	}
}

// payloadToMap renders a bus event payload for watch streams.
func payloadToMap(p any) map[string]any {
	switch v := p.(type) {
	case store.Message:
		return messageToMap(&v)
	case store.Conversation:
		return conversationToMap(&v)
	case notify.StatusChange:
		return map[string]any{
			"message_id":      v.MessageID,
			"remote_id":       v.RemoteID,
			"conversation_id": v.ConversationID,
			"status":          v.Status.String(),
			"sync_state":      v.SyncState.String(),
		}
	case netstate.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case intsync.SweepReport:
		return reportToMap(v)
	case string:
		return map[string]any{"error": v}
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"value": fmt.Sprint(v)}
	}
}

func list[T any](items []T, conv func(*T) map[string]any) []any {
	out := make([]any, 0, len(items))
	for i := range items {
		out = append(out, conv(&items[i]))
	}
	return out
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func intField(req *structpb.Struct, key string) int64 {
	if req == nil {
		return 0
	}
	return int64(req.GetFields()[key].GetNumberValue())
}

func stringField(req *structpb.Struct, key string) string {
	if req == nil {
		return ""
	}
	return req.GetFields()[key].GetStringValue()
}

func hasField(req *structpb.Struct, key string) bool {
	if req == nil {
		return false
	}
	v, ok := req.GetFields()[key]
	if !ok {
		return false
	}
	_, isNull := v.GetKind().(*structpb.Value_NullValue)
	return !isNull
}

// toStatus maps engine errors to gRPC status codes.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, intsync.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, intsync.ErrSelfConversation), errors.Is(err, outbox.ErrEmptyBody):
		code = codes.InvalidArgument
	case errors.Is(err, intsync.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
