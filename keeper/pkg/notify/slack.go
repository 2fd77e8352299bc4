package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/malbeclabs/sweepstake/keeper/pkg/distribute"
	"github.com/malbeclabs/sweepstake/keeper/pkg/syncer"
	"github.com/malbeclabs/sweepstake/utils/pkg/retry"
)

// SlackPoster is the part of *slack.Client used to post announcements.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackAnnouncer posts winners and failed settlements to a channel. Other
// updates are ignored.
type SlackAnnouncer struct {
	Client  SlackPoster
	Channel string
	Log     *slog.Logger
	Retry   retry.Config
}

func NewSlackAnnouncer(token, channel string, log *slog.Logger) *SlackAnnouncer {
	return &SlackAnnouncer{
		Client:  slack.New(token),
		Channel: channel,
		Log:     log,
		Retry:   retry.DefaultConfig(),
	}
}

func (a *SlackAnnouncer) Name() string { return "slack" }

func (a *SlackAnnouncer) Publish(ctx context.Context, u syncer.Update) error {
	text, ok := announcement(u)
	if !ok {
		return nil
	}
	err := retry.Do(ctx, a.Retry, func() error {
		_, _, err := a.Client.PostMessageContext(ctx, a.Channel,
			slack.MsgOptionText(text, false),
			slack.MsgOptionDisableLinkUnfurl(),
		)
		if err != nil && strings.Contains(err.Error(), "missing_scope") {
			return fmt.Errorf("missing_scope: %w", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("post to slack: %w", err)
	}
	if a.Log != nil {
		a.Log.Debug("notify: posted to slack", "channel", a.Channel, "kind", string(u.Kind))
	}
	return nil
}

func announcement(u syncer.Update) (string, bool) {
	switch {
	case u.Kind == syncer.UpdateWinner && u.Winner != nil:
		w := u.Winner
		return fmt.Sprintf(":tada: Round *%d* settled. Winner `%s` takes *%s CELO*.",
			w.Round, w.Address.Hex(), formatUnits(w.PrizeAmount)), true
	case u.Kind == syncer.UpdateSettlement && u.Settlement != nil && u.Settlement.Status == distribute.StatusFailed:
		s := u.Settlement
		msg := fmt.Sprintf(":warning: Settlement of round *%d* failed", s.Round)
		if s.Err != nil {
			msg += ": " + s.Err.Error()
		}
		return msg, true
	}
	return "", false
}
