// Package notify delivers budget alerts to Discord-compatible webhooks.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/infra/metrics"
)

const (
	colorOverBudget = 0xFF0000
	colorMilestone  = 0xFFA500
	footerText      = "gpugov budget monitor"
)

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
	Timestamp string `json:"timestamp"`
}

type payload struct {
	Embeds []embed `json:"embeds"`
}

// Discord posts alerts as a single embed.
type Discord struct {
	http *resty.Client
	now  func() time.Time
}

var _ domain.Notifier = (*Discord)(nil)

// NewDiscord creates a webhook notifier. A zero timeout means 10s.
func NewDiscord(timeout time.Duration) *Discord {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Discord{
		http: resty.New().SetTimeout(timeout),
		now:  time.Now,
	}
}

// Notify posts alert to endpoint. Any non-2xx response is an error.
func (d *Discord) Notify(ctx context.Context, endpoint string, alert domain.Alert) error {
	if endpoint == "" {
		return domain.ErrNoWebhook
	}
	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload{Embeds: []embed{d.render(alert)}}).
		Post(endpoint)

	result := "ok"
	defer func() { metrics.Notifications.WithLabelValues(string(alert.Kind), result).Inc() }()
	if err != nil {
		result = "error"
		return errors.Wrap(err, "post webhook")
	}
	if resp.IsError() {
		result = "error"
		return errors.Errorf("webhook returned %d", resp.StatusCode())
	}
	return nil
}

func (d *Discord) render(a domain.Alert) embed {
	e := embed{
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Fields: []embedField{
			{Name: "Spent", Value: domain.FormatMoney(a.SpentCents), Inline: true},
			{Name: "Limit", Value: domain.FormatMoney(a.LimitCents), Inline: true},
		},
	}
	e.Footer.Text = footerText

	label := fmt.Sprintf("%s %q", a.Scope, a.Identity)
	if a.OverBudget {
		e.Color = colorOverBudget
		e.Title = "Budget exceeded"
		e.Description = fmt.Sprintf("%s has exceeded its budget. Non-allowlisted instances will be terminated.", label)
		e.Fields = append(e.Fields, embedField{Name: "Over by", Value: domain.FormatMoney(a.SpentCents - a.LimitCents), Inline: true})
	} else {
		e.Color = colorMilestone
		e.Title = "Spending milestone"
		e.Description = fmt.Sprintf("%s has passed %s.", label, domain.FormatMoney(a.Milestone))
		e.Fields = append(e.Fields, embedField{Name: "Remaining", Value: domain.FormatMoney(a.LimitCents - a.SpentCents), Inline: true})
	}
	return e
}
