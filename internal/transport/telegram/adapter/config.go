package adapter

import "time"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RequestTimeout bounds one Bot API call. The HTTP client allows
	// PollTimeout on top of it so long polls are not cut short.
	RequestTimeout time.Duration
	// APIURL points at a self-hosted Bot API server. Empty means the
	// public endpoint.
	APIURL string
	// AllowedUpdates limits what getUpdates returns. Empty means the
	// message, channel post and join request updates the bot consumes.
	AllowedUpdates []string
}

const defaultRequestTimeout = 15 * time.Second

var defaultAllowedUpdates = []string{"message", "channel_post", "chat_join_request"}
