// Package notify sends best-effort lifecycle announcements to the channel's
// chat. Failures are logged and swallowed; a notification must never block or
// fail a mode transition.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/streamkeeper/twitchapi"
)

const sendTimeout = 10 * time.Second

// ChatNotifier posts lifecycle messages as the bot user via Helix.
type ChatNotifier struct {
	Client        *twitchapi.HelixClient
	BroadcasterID string
	BotUserID     string
}

// SendLifecycleMessage delivers text to chat; errors are logged, not returned.
func (n *ChatNotifier) SendLifecycleMessage(ctx context.Context, text string) {
	if text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := n.Client.SendChatMessage(ctx, n.BroadcasterID, n.BotUserID, text); err != nil {
		slog.Warn("lifecycle message not delivered", slog.Any("err", err), slog.String("text", text))
	}
}

// NopNotifier discards all messages. Used when chat credentials are absent.
type NopNotifier struct{}

func (NopNotifier) SendLifecycleMessage(ctx context.Context, text string) {}
