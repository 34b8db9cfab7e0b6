// Package webhook delivers backup archives to a Discord-style webhook.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FormField is the multipart field carrying the archive
const FormField = "file"

// maxErrorBody bounds how much of a failed response is kept for logs
const maxErrorBody = 512

// DeliveryError is returned when the endpoint answers with a status other
// than 200 or 204.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Client posts archives to a single webhook endpoint
type Client struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a webhook client. A zero timeout disables the client timeout.
func NewClient(endpoint string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		url:    endpoint,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Deliver uploads the archive at path as a multipart attachment. It returns
// nil when the endpoint answered 200 or 204. There are no retries.
func (c *Client) Deliver(ctx context.Context, path string) error {
	start := time.Now()
	c.logger.Info("delivering archive", "archive", filepath.Base(path), "endpoint", MaskURL(c.url))

	err := c.post(ctx, path)
	if err != nil {
		c.logger.Error("delivery failed",
			"archive", filepath.Base(path),
			"endpoint", MaskURL(c.url),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return err
	}

	c.logger.Info("delivery succeeded",
		"archive", filepath.Base(path),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (c *Client) post(ctx context.Context, path string) error {
	body, contentType, err := encodeArchive(path)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &DeliveryError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeArchive builds the multipart body with a single file part
func encodeArchive(path string) (*bytes.Buffer, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		FormField, quoteEscaper.Replace(filepath.Base(path))))
	header.Set("Content-Type", "application/zip")

	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("failed to read archive: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	return body, mw.FormDataContentType(), nil
}

// MaskURL hides the path and query of a webhook URL, which carry the token
func MaskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "***INVALID_URL***"
	}

	var b strings.Builder
	b.WriteString(parsed.Scheme)
	b.WriteString("://")
	b.WriteString(parsed.Host)
	if parsed.Path != "" && parsed.Path != "/" {
		b.WriteString("/***MASKED***")
	}
	if parsed.RawQuery != "" {
		b.WriteString("?***MASKED***")
	}
	return b.String()
}
