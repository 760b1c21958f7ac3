// Package completiontest provides a scriptable eino chat model for tests.
package completiontest

import (
	"context"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Reply scripts one upstream call.
type Reply struct {
	Fragments []string
	// Err fails the call before any fragment.
	Err error
	// FailAfter is delivered once every fragment has been sent.
	FailAfter error
	// Gate holds the stream before its first fragment until closed.
	Gate  <-chan struct{}
	Usage *schema.TokenUsage
}

// ChatModel replays scripted replies in order; the last one repeats.
type ChatModel struct {
	mu      sync.Mutex
	replies []Reply
	calls   [][]*schema.Message
}

var _ model.BaseChatModel = (*ChatModel)(nil)

// New scripts replies. With none, every call answers "ok".
func New(replies ...Reply) *ChatModel {
	if len(replies) == 0 {
		replies = []Reply{{Fragments: []string{"ok"}}}
	}
	return &ChatModel{replies: replies}
}

// Calls returns the inputs received so far.
func (m *ChatModel) Calls() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]*schema.Message(nil), m.calls...)
}

func (m *ChatModel) next(input []*schema.Message) Reply {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, input)
	reply := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return reply
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	reply := m.next(input)
	if reply.Err != nil {
		return nil, reply.Err
	}
	if reply.Gate != nil {
		select {
		case <-reply.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if reply.FailAfter != nil {
		return nil, reply.FailAfter
	}

	msg := schema.AssistantMessage(strings.Join(reply.Fragments, ""), nil)
	if reply.Usage != nil {
		msg.ResponseMeta = &schema.ResponseMeta{Usage: reply.Usage}
	}
	return msg, nil
}

func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	reply := m.next(input)
	if reply.Err != nil {
		return nil, reply.Err
	}

	sr, sw := schema.Pipe[*schema.Message](0)
	go func() {
		defer sw.Close()

		if reply.Gate != nil {
			select {
			case <-reply.Gate:
			case <-ctx.Done():
				sw.Send(nil, ctx.Err())
				return
			}
		}
		for _, fragment := range reply.Fragments {
			if ctx.Err() != nil {
				sw.Send(nil, ctx.Err())
				return
			}
			if sw.Send(schema.AssistantMessage(fragment, nil), nil) {
				return
			}
		}
		if reply.Usage != nil {
			tail := schema.AssistantMessage("", nil)
			tail.ResponseMeta = &schema.ResponseMeta{Usage: reply.Usage}
			if sw.Send(tail, nil) {
				return
			}
		}
		if reply.FailAfter != nil {
			sw.Send(nil, reply.FailAfter)
		}
	}()
	return sr, nil
}
