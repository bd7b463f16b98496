package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/povledger/povledger/internal/membership"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager posts governance notifications to a Slack incoming webhook.
// A disabled manager or one without a webhook silently drops everything.
type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

const footer = "povledger governance"

func NewManager(enabled bool, slackWebhook string) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
	}
}

func (m *Manager) active() bool {
	return m != nil && m.enabled && m.slackWebhook != ""
}

// SendReminder asks voters to act on a membership request before its
// deadline.
func (m *Manager) SendReminder(ctx context.Context, req membership.Request, deadline time.Time) error {
	if !m.active() {
		return nil
	}

	candidate := req.Candidate
	if req.Name != "" {
		candidate = fmt.Sprintf("%s (%s)", req.Name, req.Candidate)
	}

	msg := slackMessage{
		Text: "⏰ *Membership vote pending*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "Voting Reminder",
				Fields: []slackField{
					{Title: "Request", Value: req.ID, Short: true},
					{Title: "Candidate", Value: candidate, Short: true},
					{Title: "Role", Value: string(req.Role), Short: true},
					{Title: "Approvals", Value: fmt.Sprintf("%d/%d", req.Approvals(), req.Required), Short: true},
					{Title: "Deadline", Value: deadline.UTC().Format(time.RFC3339), Short: false},
				},
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(ctx, msg)
}

func (m *Manager) SendChainBrokenAlert(index uint64, reason, expectedHash, actualHash string) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *CHAIN INTEGRITY VIOLATION*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Block Chain Broken",
				Fields: []slackField{
					{Title: "Block", Value: strconv.FormatUint(index, 10), Short: true},
					{Title: "Reason", Value: reason, Short: true},
					{Title: "Expected", Value: expectedHash, Short: false},
					{Title: "Actual", Value: actualHash, Short: false},
				},
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(context.Background(), msg)
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.active() {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	msg := slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(context.Background(), msg)
}

func (m *Manager) sendSlackMessage(ctx context.Context, msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
