package control

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a running daemon over its control socket.
type Client struct {
	cc *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is lazy; the first call
// reports an unreachable daemon.
func Dial(socketPath string) (*Client, error) {
	cc, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{cc: cc}, nil
}

func (c *Client) Close() error { return c.cc.Close() }

func (c *Client) call(ctx context.Context, method string, req, out any) error {
	if req == nil {
		req = none{}
	}
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	path := "/" + ServiceName + "/" + method
	if out == nil {
		return c.cc.Invoke(ctx, path, in, &emptypb.Empty{})
	}
	res := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, path, in, res); err != nil {
		return err
	}
	return fromStruct(res, out)
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.call(ctx, "Status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Connect(ctx context.Context) error    { return c.call(ctx, "Connect", nil, nil) }
func (c *Client) Disconnect(ctx context.Context) error { return c.call(ctx, "Disconnect", nil, nil) }
func (c *Client) Foreground(ctx context.Context) error { return c.call(ctx, "Foreground", nil, nil) }
func (c *Client) Background(ctx context.Context) error { return c.call(ctx, "Background", nil, nil) }
func (c *Client) ClearCache(ctx context.Context) error { return c.call(ctx, "ClearCache", nil, nil) }
func (c *Client) Logout(ctx context.Context) error     { return c.call(ctx, "Logout", nil, nil) }

func (c *Client) Join(ctx context.Context, conversationID int64) error {
	return c.call(ctx, "Join", conversationReq{ConversationID: conversationID}, nil)
}

func (c *Client) Leave(ctx context.Context, conversationID int64) error {
	return c.call(ctx, "Leave", conversationReq{ConversationID: conversationID}, nil)
}

// Outgoing is a message to send through the daemon.
type Outgoing struct {
	ConversationID int64
	Content        string
	Type           string
	MediaURL       string
	ReplyToID      *int64
}

// Send queues a message; the result is the optimistic PENDING copy.
func (c *Client) Send(ctx context.Context, o Outgoing) (*Message, error) {
	var m Message
	err := c.call(ctx, "Send", sendReq{
		ConversationID: o.ConversationID,
		Content:        o.Content,
		Type:           o.Type,
		MediaURL:       o.MediaURL,
		ReplyToID:      o.ReplyToID,
	}, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) Retry(ctx context.Context, tempID string) (*Message, error) {
	var m Message
	if err := c.call(ctx, "Retry", retryReq{TempID: tempID}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) SetTyping(ctx context.Context, conversationID int64, typing bool) error {
	return c.call(ctx, "SetTyping", typingReq{ConversationID: conversationID, IsTyping: typing}, nil)
}

func (c *Client) MarkRead(ctx context.Context, conversationID int64) ([]int64, error) {
	var out struct {
		MessageIDs []int64 `json:"message_ids"`
	}
	if err := c.call(ctx, "MarkRead", conversationReq{ConversationID: conversationID}, &out); err != nil {
		return nil, err
	}
	return out.MessageIDs, nil
}

func (c *Client) Messages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.call(ctx, "Messages", messagesReq{ConversationID: conversationID, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) LoadHistory(ctx context.Context, conversationID int64, cursor string) (*History, error) {
	var h History
	if err := c.call(ctx, "LoadHistory", historyReq{ConversationID: conversationID, Cursor: cursor}, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Conversations(ctx context.Context, refresh bool) ([]Conversation, error) {
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.call(ctx, "Conversations", conversationsReq{Refresh: refresh}, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *Client) SaveDraft(ctx context.Context, conversationID int64, content string) error {
	return c.call(ctx, "SaveDraft", draftReq{ConversationID: conversationID, Content: content}, nil)
}

func (c *Client) Draft(ctx context.Context, conversationID int64) (*Draft, error) {
	var d Draft
	if err := c.call(ctx, "GetDraft", conversationReq{ConversationID: conversationID}, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Watch streams bus events whose kind starts with prefix until ctx ends or
// fn returns an error.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(Event) error) error {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	in, err := toStruct(watchReq{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var evt Event
		if err := fromStruct(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
