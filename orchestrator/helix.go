package orchestrator

import (
	"context"

	"github.com/onnwee/streamkeeper/twitchapi"
)

// HelixPresence implements Presence against the Twitch Helix API: the
// chatters endpoint for the presence snapshot and the streams endpoint for
// the live viewer count.
type HelixPresence struct {
	Client        *twitchapi.HelixClient
	Channel       string
	BroadcasterID string
	BotUserID     string
}

func (p *HelixPresence) ListCurrentViewers(ctx context.Context) ([]string, error) {
	return p.Client.GetChatters(ctx, p.BroadcasterID, p.BotUserID)
}

func (p *HelixPresence) ViewerCount(ctx context.Context) (int, bool, error) {
	streams, err := p.Client.GetStreams(ctx, p.Channel)
	if err != nil {
		return 0, false, err
	}
	if len(streams) == 0 {
		return 0, false, nil
	}
	return streams[0].ViewerCount, true, nil
}
