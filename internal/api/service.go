// Package api exposes the messaging engine to local clients over gRPC.
package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/bazaar/internal/bus"
	"github.com/matheus3301/bazaar/internal/store"
	intsync "github.com/matheus3301/bazaar/internal/sync"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Service implements ChatServer on top of the engine.
type Service struct {
	engine      *intsync.Engine
	bus         *bus.Bus
	sessionName string
	started     time.Time
	logger      *zap.Logger
}

// NewService creates the control service.
func NewService(e *intsync.Engine, b *bus.Bus, sessionName string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: e, bus: b, sessionName: sessionName, started: time.Now(), logger: logger}
}

var _ ChatServer = (*Service)(nil)

func pageSize(req *structpb.Struct) int {
	n := int(intField(req, "limit"))
	if n <= 0 {
		return defaultPageSize
	}
	return min(n, maxPageSize)
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	convs, msgs, err := s.engine.Counts()
	if err != nil {
		return nil, toStatus("status", err)
	}
	last, err := s.engine.LastSweep()
	if err != nil {
		s.logger.Warn("unreadable sweep checkpoint", zap.Error(err))
	}
	listening := make([]any, 0)
	for _, id := range s.engine.Listening() {
		listening = append(listening, id)
	}
	self := s.engine.Self()
	return toStruct(map[string]any{
		"session":       s.sessionName,
		"user_id":       self.ID,
		"user_name":     self.Name,
		"net_state":     string(s.engine.NetState()),
		"online":        s.engine.Online(),
		"uptime_ms":     time.Since(s.started).Milliseconds(),
		"conversations": convs,
		"messages":      msgs,
		"listening":     listening,
		"last_sweep_ms": ms(last),
	})
}

func (s *Service) Resolve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	other := intField(req, "user_id")
	if other <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "user_id is required")
	}
	var topic *int64
	if hasField(req, "topic_id") {
		t := intField(req, "topic_id")
		topic = &t
	}
	conv, err := s.engine.Resolve(ctx, other, topic)
	if err != nil {
		return nil, toStatus("resolve", err)
	}
	return toStruct(map[string]any{"conversation": conversationToMap(conv)})
}

func (s *Service) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg, err := s.engine.Send(ctx, intField(req, "conversation_id"), stringField(req, "text"))
	if err != nil {
		return nil, toStatus("send", err)
	}
	return toStruct(map[string]any{"message": messageToMap(msg)})
}

func (s *Service) ListConversations(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := pageSize(req)
	convs, err := s.engine.Conversations(limit, int(intField(req, "offset")))
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	return toStruct(map[string]any{
		"conversations": list(convs, conversationToMap),
		"has_more":      len(convs) == limit,
	})
}

func (s *Service) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convID := intField(req, "conversation_id")
	if _, err := s.engine.Conversation(convID); err != nil {
		return nil, toStatus("list messages", err)
	}
	limit := pageSize(req)
	msgs, err := s.engine.Messages(convID, intField(req, "before_ms"), limit)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	return toStruct(map[string]any{
		"messages": list(msgs, messageToMap),
		"has_more": len(msgs) == limit,
	})
}

func (s *Service) SearchMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	query := stringField(req, "query")
	if query == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	results, err := s.engine.Search(query, intField(req, "conversation_id"), pageSize(req))
	if err != nil {
		return nil, toStatus("search", err)
	}
	return toStruct(map[string]any{
		"results": list(results, func(r *store.SearchResult) map[string]any {
			return map[string]any{
				"message":         messageToMap(&r.Message),
				"conversation_id": r.ConversationID,
				"snippet":         r.Snippet,
			}
		}),
	})
}

func (s *Service) MarkRead(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.engine.MarkRead(intField(req, "conversation_id"))
	if err != nil {
		return nil, toStatus("mark read", err)
	}
	return toStruct(map[string]any{"updated": n})
}

func (s *Service) StartListening(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.Listen(intField(req, "conversation_id")); err != nil {
		return nil, toStatus("listen", err)
	}
	return toStruct(map[string]any{"listening": true})
}

func (s *Service) StopListening(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if hasField(req, "all") && req.GetFields()["all"].GetBoolValue() {
		s.engine.StopAllListeners()
		return toStruct(map[string]any{"listening": false})
	}
	if err := s.engine.StopListening(intField(req, "conversation_id")); err != nil {
		return nil, toStatus("stop listening", err)
	}
	return toStruct(map[string]any{"listening": false})
}

func (s *Service) Sweep(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := s.engine.Sweep(ctx)
	if err != nil {
		return nil, toStatus("sweep", err)
	}
	return toStruct(map[string]any{"report": reportToMap(report)})
}

// WatchEvents streams bus events whose kind starts with the requested prefix
// (all events when empty) until the client goes away.
func (s *Service) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(stringField(req, "prefix"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := toStruct(map[string]any{
				"event_id":       uuid.NewString(),
				"session":        s.sessionName,
				"kind":           evt.Kind,
				"occurred_at_ms": evt.Timestamp.UnixMilli(),
				"payload":        payloadToMap(evt.Payload),
			})
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
