package notify

import (
	"context"
	"os"

	"github.com/slack-go/slack"
	"github.com/spf13/viper"
)

// Event types the Event Bus -> notification bridge fires (§4.8, §6.4).
const (
	EventStart           = "on_start"
	EventSuccess         = "on_success"
	EventFailure         = "on_failure"
	EventUserInteraction = "on_user_interaction"
	EventProjectComplete = "on_project_complete"
)

// slackPoster is the slice of *slack.Client this package actually calls;
// narrowed to a interface so tests can substitute a fake instead of
// hitting the network.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// discordPoster is the slice of *DiscordNotifier this package calls.
type discordPoster interface {
	Send(ctx context.Context, message string) error
}

// Manager fans a notification out to whichever of Slack/Discord are
// configured and enabled for the given event type. Grounded on the
// teacher's internal/notify/manager.go provider-fanout shape; trimmed to
// the subset internal/notify/bridge.go actually drives -- outbound
// posts only, no inbound Slack Socket Mode listener or cross-provider
// thread/reaction bookkeeping, since nothing in this core replies to a
// notification or reacts to one.
type Manager struct {
	client    slackPoster
	channelID string

	discordNotifier discordPoster

	logger func(string, ...interface{})
}

// NewManager creates a Manager, initializing whichever providers are
// enabled in configuration and have credentials present in the
// environment.
func NewManager(logger func(string, ...interface{})) *Manager {
	m := &Manager{logger: logger}
	m.initSlack()
	m.initDiscord()
	return m
}

func (m *Manager) initSlack() {
	if !viper.GetBool("notifications.slack.enabled") {
		return
	}
	botToken := os.Getenv("SLACK_BOT_USER_TOKEN")
	if botToken == "" {
		m.logf("notify: SLACK_BOT_USER_TOKEN not set, slack notifications disabled")
		return
	}
	m.client = slack.New(botToken)
	m.channelID = viper.GetString("notifications.slack.channel")
}

func (m *Manager) initDiscord() {
	if !viper.GetBool("notifications.discord.enabled") {
		return
	}
	botToken := os.Getenv("DISCORD_BOT_TOKEN")
	channelID := os.Getenv("DISCORD_CHANNEL_ID")
	if channelID == "" {
		channelID = viper.GetString("notifications.discord.channel")
	}
	if botToken == "" || channelID == "" {
		m.logf("notify: DISCORD_BOT_TOKEN or DISCORD_CHANNEL_ID not set, discord notifications disabled")
		return
	}
	m.discordNotifier = NewDiscordNotifier(botToken, channelID)
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger(format, args...)
	}
}

// Start exists so Manager satisfies Notifier and so Bridge has a single
// place to kick off any future background work; neither provider here
// needs one (both are request/response HTTP posts).
func (m *Manager) Start(ctx context.Context) {}

// Notify sends message to every enabled, configured provider for
// eventType. Errors from individual providers are logged, not returned:
// one provider's outage must never stop task progress or the other
// provider's delivery (§4.8's drop-rather-than-block posture applied to
// the notification edge, not just the Event Bus itself).
func (m *Manager) Notify(ctx context.Context, eventType, message string) error {
	if !m.isEnabled(eventType) {
		return nil
	}
	m.logf("notify: sending notification for event: %s", eventType)

	if m.client != nil && m.isProviderEnabled("slack") {
		if err := m.notifySlack(ctx, message); err != nil {
			m.logf("notify: failed to send slack notification: %v", err)
		}
	}
	if m.discordNotifier != nil && m.isProviderEnabled("discord") {
		if err := m.discordNotifier.Send(ctx, message); err != nil {
			m.logf("notify: failed to send discord notification: %v", err)
		}
	}
	return nil
}

func (m *Manager) notifySlack(ctx context.Context, message string) error {
	channelID := m.channelID
	if channelID == "" {
		channelID = "#general"
	}
	_, _, err := m.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(message, false))
	return err
}

func (m *Manager) isEnabled(eventType string) bool {
	if !m.isProviderEnabled("slack") && !m.isProviderEnabled("discord") {
		return false
	}
	return viper.GetBool("notifications.slack.events." + eventType)
}

func (m *Manager) isProviderEnabled(provider string) bool {
	return viper.GetBool("notifications." + provider + ".enabled")
}
