package app

import (
	"context"
	"time"

	kit "tierbot/internal/transport"
	logx "tierbot/pkg/logx"
)

// handleJoinRequest approves requests for chats on the auto-approve list
// and leaves the rest for a human admin.
func (a *App) handleJoinRequest(ctx context.Context, jr kit.JoinRequest) {
	set := a.autoApprove.Load()
	if set == nil {
		return
	}
	if _, ok := (*set)[jr.ChatID]; !ok {
		a.log.Debug("join request left pending", logx.Int64("chat_id", jr.ChatID), logx.Int64("user_id", jr.UserID))
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.adapter.ApproveJoinRequest(cctx, jr.ChatID, jr.UserID); err != nil {
		a.log.Warn("join request approval failed", logx.Int64("chat_id", jr.ChatID), logx.Int64("user_id", jr.UserID), logx.Err(err))
		return
	}
	a.log.Info("join request approved", logx.Int64("chat_id", jr.ChatID), logx.Int64("user_id", jr.UserID))
}
