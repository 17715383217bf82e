// Package transport defines the messaging seam between the broadcast core
// and a concrete bot platform.
package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateJoinRequest UpdateKind = "join_request"
)

type Update struct {
	Kind        UpdateKind
	Message     *Message
	JoinRequest *JoinRequest
}

type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
	ChatChannel ChatKind = "channel"
)

type Message struct {
	ID           int
	ChatID       int64
	ChatKind     ChatKind
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

// JoinRequest is a pending request to join a group or channel.
type JoinRequest struct {
	ChatID int64
	UserID int64
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ErrChatUnavailable is returned when the bot cannot reach a chat at all
// (removed from it, chat deleted, user blocked the bot).
var ErrChatUnavailable = errors.New("chat unavailable")

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// ChatAdministrators returns the user ids of the chat's administrators.
	ChatAdministrators(ctx context.Context, chatID int64) ([]int64, error)
	ApproveJoinRequest(ctx context.Context, chatID, userID int64) error
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
