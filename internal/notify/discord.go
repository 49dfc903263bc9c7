package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DiscordNotifier posts to a Discord channel via the bot API. Trimmed
// from the teacher's DiscordBotNotifier to the bot-only path: this
// core's configuration (internal/config.NotificationsConfig) never
// carries a webhook URL, so the teacher's webhook fallback and its
// message-reply/reaction plumbing had no caller here.
type DiscordNotifier struct {
	BotToken  string
	ChannelID string
	Client    *http.Client
}

// NewDiscordNotifier creates a DiscordNotifier that posts as token to
// channelID.
func NewDiscordNotifier(token, channelID string) *DiscordNotifier {
	return &DiscordNotifier{
		BotToken:  token,
		ChannelID: channelID,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts message to the configured channel.
func (n *DiscordNotifier) Send(ctx context.Context, message string) error {
	url := fmt.Sprintf("https://discord.com/api/v10/channels/%s/messages", n.ChannelID)

	body, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+n.BotToken)

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		return fmt.Errorf("discord api error: %d - %s", resp.StatusCode, buf.String())
	}
	return nil
}
