package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/manifest_syncer/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Discord rejects messages longer than this.
const maxContentLength = 2000

// maxListedFailures bounds how many failed files a summary names.
const maxListedFailures = 10

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	if len(content) > maxContentLength {
		content = content[:maxContentLength-3] + "..."
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// FormatReport renders a run summary for chat. runErr is the error the run
// was aborted with, if any.
func FormatReport(report *transfer.Report, runErr error) string {
	var b strings.Builder

	switch {
	case runErr != nil:
		fmt.Fprintf(&b, "❌ Sync of %s aborted: %v", report.Root, runErr)

		if report.Skipped+report.Succeeded+report.Failed == 0 {
			return b.String()
		}

		b.WriteString("\n")
	case report.Failed > 0:
		fmt.Fprintf(&b, "⚠️ Sync of %s finished with failures\n", report.Root)
	default:
		fmt.Fprintf(&b, "✅ Sync of %s finished\n", report.Root)
	}

	fmt.Fprintf(&b, "updated: %d, up to date: %d, failed: %d, downloaded: %s, took: %s",
		report.Succeeded, report.Skipped, report.Failed,
		humanize.Bytes(uint64(report.BytesDownloaded())), report.Duration().Round(time.Millisecond))

	failed := report.FailedOutcomes()
	for i, o := range failed {
		if i == maxListedFailures {
			fmt.Fprintf(&b, "\n… and %d more", len(failed)-maxListedFailures)

			break
		}

		fmt.Fprintf(&b, "\n• %s: %s", o.Entry.RelativePath, o.Reason)
	}

	return b.String()
}
