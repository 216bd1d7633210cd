package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon's control service over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is established lazily.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with the given request fields and returns the
// response fields.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	if req == nil {
		req = map[string]any{}
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, "GetStatus", nil)
}

// Resolve opens the conversation with userID. topicID may be nil.
func (c *Client) Resolve(ctx context.Context, userID int64, topicID *int64) (map[string]any, error) {
	req := map[string]any{"user_id": userID}
	if topicID != nil {
		req["topic_id"] = *topicID
	}
	return c.Call(ctx, "Resolve", req)
}

func (c *Client) Send(ctx context.Context, conversationID int64, text string) (map[string]any, error) {
	return c.Call(ctx, "Send", map[string]any{"conversation_id": conversationID, "text": text})
}

func (c *Client) ListConversations(ctx context.Context, limit, offset int) (map[string]any, error) {
	return c.Call(ctx, "ListConversations", map[string]any{"limit": limit, "offset": offset})
}

func (c *Client) ListMessages(ctx context.Context, conversationID, beforeMs int64, limit int) (map[string]any, error) {
	return c.Call(ctx, "ListMessages", map[string]any{
		"conversation_id": conversationID,
		"before_ms":       beforeMs,
		"limit":           limit,
	})
}

func (c *Client) SearchMessages(ctx context.Context, query string, conversationID int64, limit int) (map[string]any, error) {
	return c.Call(ctx, "SearchMessages", map[string]any{
		"query":           query,
		"conversation_id": conversationID,
		"limit":           limit,
	})
}

func (c *Client) MarkRead(ctx context.Context, conversationID int64) (map[string]any, error) {
	return c.Call(ctx, "MarkRead", map[string]any{"conversation_id": conversationID})
}

func (c *Client) StartListening(ctx context.Context, conversationID int64) (map[string]any, error) {
	return c.Call(ctx, "StartListening", map[string]any{"conversation_id": conversationID})
}

// StopListening stops one conversation, or every conversation when all is set.
func (c *Client) StopListening(ctx context.Context, conversationID int64, all bool) (map[string]any, error) {
	return c.Call(ctx, "StopListening", map[string]any{"conversation_id": conversationID, "all": all})
}

func (c *Client) Sweep(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, "Sweep", nil)
}

// EventStream receives events from WatchEvents.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (map[string]any, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch subscribes to events whose kind starts with prefix. Cancel ctx to
// end the stream.
func (c *Client) Watch(ctx context.Context, prefix string) (*EventStream, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
