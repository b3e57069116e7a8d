package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/internal/transport"
)

const (
	slackTimeout     = 10 * time.Second
	notifySummaryMax = 300
)

var slackClient = &http.Client{Timeout: slackTimeout}

// notifySubscribers delivers one grouped message per topic to its enabled
// subscribers. Delivery is best-effort; failures are logged per subscriber.
func (e *Engine) notifySubscribers(ctx context.Context, digestsByTopic map[int64][]store.Digest) {
	for topicID, digests := range digestsByTopic {
		if len(digests) == 0 {
			continue
		}

		subs, err := e.st.TopicSubscribers(ctx, topicID)
		if err != nil {
			e.logger.Warn("subscriber load failed", "topic_id", topicID, "error", err)
			continue
		}
		if len(subs) == 0 {
			continue
		}

		msg := e.formatNotification(ctx, topicID, digests)
		for _, sub := range subs {
			if err := e.deliver(ctx, &sub, msg); err != nil {
				e.logger.Warn("digest delivery failed",
					"subscriber", sub.ID, "channel", sub.ChannelType, "error", err)
			}
		}
	}
}

func (e *Engine) formatNotification(ctx context.Context, topicID int64, digests []store.Digest) string {
	topicName := fmt.Sprintf("topic %d", topicID)
	if topic, err := e.st.GetTopic(ctx, topicID); err == nil && topic != nil {
		topicName = topic.Name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📡 %s: %d %s detected\n", topicName, len(digests), plural(len(digests), "change", "changes"))
	for _, d := range digests {
		name := fmt.Sprintf("resource %d", d.ResourceID)
		if res, err := e.st.GetResource(ctx, d.ResourceID); err == nil && res != nil {
			name = res.Name
		}
		fmt.Fprintf(&b, "\n• %s [%s]\n  %s", name, d.ChangeType, transport.Truncate(d.Summary, notifySummaryMax))
	}
	return b.String()
}

// subscriber channel_config shapes.
type telegramChannelConfig struct {
	ChatID int64 `json:"chat_id"`
}

type slackChannelConfig struct {
	WebhookURL string `json:"webhook_url"`
}

func (e *Engine) deliver(ctx context.Context, sub *store.Subscriber, msg string) error {
	switch sub.ChannelType {
	case store.ChannelTelegram:
		var cc telegramChannelConfig
		if err := json.Unmarshal([]byte(sub.ChannelConfig), &cc); err != nil || cc.ChatID == 0 {
			return fmt.Errorf("bad telegram channel config")
		}
		if e.transportFor == nil {
			return fmt.Errorf("no transport configured")
		}
		_, err := e.transportFor(cc.ChatID).SendMessage(ctx, msg)
		return err

	case store.ChannelSlack:
		var cc slackChannelConfig
		if err := json.Unmarshal([]byte(sub.ChannelConfig), &cc); err != nil || cc.WebhookURL == "" {
			return fmt.Errorf("bad slack channel config")
		}
		return postSlack(ctx, cc.WebhookURL, msg)

	default:
		return fmt.Errorf("unknown channel type %q", sub.ChannelType)
	}
}

func postSlack(ctx context.Context, webhookURL, msg string) error {
	body, err := json.Marshal(map[string]string{"text": msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := slackClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook: status %d", resp.StatusCode)
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
