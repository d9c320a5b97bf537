package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"drowsyguard/internal/models"
)

// Sink delivers an outbound notification. Implementations are
// external collaborators; the governor's ALLOW decision is the only
// trigger for Send.
type Sink interface {
	Send(ctx context.Context, deviceID, text string, severity models.Severity) error
}

// NopSink is used when no bot is configured; alerts still sound
// locally and reach the cloud, only the push notification is skipped.
type NopSink struct{}

func (NopSink) Send(ctx context.Context, deviceID, text string, severity models.Severity) error {
	log.Printf("notify (disabled): [%s] %s", severity, text)
	return nil
}

// TelegramSink posts emergency messages to one or more chats through
// the Bot API.
type TelegramSink struct {
	http    *resty.Client
	token   string
	chatIDs []string
}

func NewTelegramSink(token string, chatIDs []string) *TelegramSink {
	r := resty.New()
	r.SetBaseURL("https://api.telegram.org")
	r.SetTimeout(10 * time.Second)
	return &TelegramSink{http: r, token: token, chatIDs: chatIDs}
}

func (s *TelegramSink) Send(ctx context.Context, deviceID, text string, severity models.Severity) error {
	var failed []string
	for _, chatID := range s.chatIDs {
		resp, err := s.http.R().
			SetContext(ctx).
			SetBody(map[string]string{
				"chat_id":    chatID,
				"text":       text,
				"parse_mode": "HTML",
			}).
			Post(fmt.Sprintf("/bot%s/sendMessage", s.token))
		if err != nil {
			failed = append(failed, chatID)
			continue
		}
		if resp.IsError() {
			failed = append(failed, chatID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("telegram delivery failed for %d of %d chats", len(failed), len(s.chatIDs))
	}
	return nil
}

// EmergencyText formats the alert message sent to recipients.
func EmergencyText(deviceName string, durationSeconds float64, loc *models.Location, alertNum, maxAlerts int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 EMERGENCY: driver may be asleep!\n\n")
	fmt.Fprintf(&b, "Device: %s\n", deviceName)
	fmt.Fprintf(&b, "Eyes closed for %.1f seconds\n", durationSeconds)
	if loc != nil && loc.Address != "" {
		fmt.Fprintf(&b, "Location: %s (%.4f, %.4f)\n", loc.Address, loc.Lat, loc.Lng)
	}
	fmt.Fprintf(&b, "Alert: %d/%d (5 min)", alertNum, maxAlerts)
	return b.String()
}
