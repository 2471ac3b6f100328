// Package transport holds the chat-neutral types shared by the operator
// command loop, the notifier and the chat publisher.
package transport

import "context"

type UpdateKind string

const UpdateMessage UpdateKind = "message"

// Update is one inbound event from the chat platform. Only text messages
// are forwarded today.
type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID       int
	ChatID   int64
	ThreadID int // forum topic, 0 for the main thread
	FromID   int64
	Text     string
}

// ChatTarget addresses a chat and optionally a forum topic inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

// MessageRef identifies a sent message.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyTo threads the first chunk under this message id.
	ReplyTo int
}

// Sender delivers text. Long texts may be split into several messages; the
// returned ref is the first one.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by senders that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
