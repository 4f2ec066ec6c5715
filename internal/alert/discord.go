package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

// discordSender is the subset of *discordgo.Session used for alerts.
type discordSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts as embeds to a channel over the REST API. No gateway
// connection is opened.
type Discord struct {
	session     discordSender
	channel     string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewDiscord returns a Discord alerter for a bot token.
func NewDiscord(botToken, channelID string) (*Discord, error) {
	if botToken == "" {
		return nil, fmt.Errorf("alert: discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("alert: discord channel id is required")
	}
	dg, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("alert: discord session: %w", err)
	}
	return &Discord{session: dg, channel: channelID, baseBackoff: time.Second, maxBackoff: 30 * time.Second}, nil
}

// Alert implements Alerter. 429 responses are retried with backoff.
func (d *Discord) Alert(ctx context.Context, a Alert) error {
	embed := toEmbed(a)
	for attempt := 0; ; attempt++ {
		_, err := d.session.ChannelMessageSendEmbed(d.channel, embed, discordgo.WithContext(ctx))
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil ||
			restErr.Response.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			return fmt.Errorf("alert: discord send: %w", err)
		}
		if err := sleep(ctx, backoff(d.baseBackoff, d.maxBackoff, attempt)); err != nil {
			return err
		}
	}
}

func toEmbed(a Alert) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       a.Title,
		Description: a.Body,
		Color:       parseHexColor(a.Level.color()),
	}
	for _, f := range a.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Short})
	}
	return embed
}

// parseHexColor converts "#rrggbb" to Discord's integer color.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	n, err := strconv.ParseInt(hex, 16, 32)
	if err != nil {
		return 0
	}
	return int(n)
}
