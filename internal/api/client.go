package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stitchline/convsync/internal/model"
)

// Client is a typed client for the daemon's SyncService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
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

func (c *Client) invoke(ctx context.Context, method string, req any, out any) error {
	in := &structpb.Struct{}
	if req != nil {
		s, err := Encode(req)
		if err != nil {
			return err
		}
		in = s
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return Decode(resp, out)
}

func (c *Client) invokeEmpty(ctx context.Context, method string, req any) error {
	var in any = &emptypb.Empty{}
	if req != nil {
		s, err := Encode(req)
		if err != nil {
			return err
		}
		in = s
	}
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, &emptypb.Empty{})
}

func (c *Client) Status(ctx context.Context) (*StatusView, error) {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/GetStatus", &emptypb.Empty{}, resp); err != nil {
		return nil, err
	}
	var v StatusView
	if err := Decode(resp, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) Conversations(ctx context.Context) ([]*model.Conversation, error) {
	var out ConversationList
	if err := c.invoke(ctx, "ListConversations", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Messages lists a conversation's messages. open makes it the conversation
// recovery refetches after a reconnect.
func (c *Client) Messages(ctx context.Context, conversationID string, open bool) ([]*model.Message, error) {
	var out MessageList
	if err := c.invoke(ctx, "ListMessages", MessagesRequest{ConversationID: conversationID, Open: open}, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) SetField(ctx context.Context, conversationID string, field model.Field, value any) (*model.Conversation, error) {
	var out ConversationView
	req := SetFieldRequest{ConversationID: conversationID, Field: field, Value: value}
	if err := c.invoke(ctx, "SetField", req, &out); err != nil {
		return nil, err
	}
	return out.Conversation, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var out ConversationView
	if err := c.invoke(ctx, "MarkRead", ConversationRequest{ConversationID: conversationID}, &out); err != nil {
		return nil, err
	}
	return out.Conversation, nil
}

func (c *Client) Send(ctx context.Context, conversationID, content string) error {
	return c.invokeEmpty(ctx, "SendMessage", SendRequest{ConversationID: conversationID, Content: content})
}

func (c *Client) Delete(ctx context.Context, conversationID string) error {
	return c.invokeEmpty(ctx, "DeleteConversation", ConversationRequest{ConversationID: conversationID})
}

func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchView, error) {
	var out SearchView
	if err := c.invoke(ctx, "Search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Ingest(ctx context.Context, req IngestRequest) (*model.Message, error) {
	var out MessageView
	if err := c.invoke(ctx, "Ingest", req, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (c *Client) Reconnect(ctx context.Context) error {
	return c.invokeEmpty(ctx, "Reconnect", nil)
}

var watchDesc = &grpc.StreamDesc{StreamName: "WatchChanges", ServerStreams: true}

// Watch opens the change stream. Cancel ctx to end it.
func (c *Client) Watch(ctx context.Context, prefix string) (*Watcher, error) {
	stream, err := c.conn.NewStream(ctx, watchDesc, "/"+ServiceName+"/WatchChanges")
	if err != nil {
		return nil, err
	}
	in, err := Encode(WatchRequest{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Watcher{stream: stream}, nil
}

// Watcher reads a WatchChanges stream.
type Watcher struct {
	stream grpc.ClientStream
}

// Recv blocks for the next change. Payload is decoded into generic JSON values.
func (w *Watcher) Recv() (*ChangeView, error) {
	msg := &structpb.Struct{}
	if err := w.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	var v ChangeView
	if err := Decode(msg, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
