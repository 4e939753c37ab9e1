package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/daiyosei/cirno-go/internal/logger"
)

const fetchPageMaxBytes = 256 << 10

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]+>`)
	spaceRe  = regexp.MustCompile(`\n{3,}|[ \t]{2,}`)
)

// FetchPage downloads a web page and reduces it to readable text.
type FetchPage struct {
	client *http.Client
}

// NewFetchPage creates the page-fetch tool.
func NewFetchPage() *FetchPage {
	return &FetchPage{client: &http.Client{Timeout: 20 * time.Second}}
}

func (f *FetchPage) Name() string        { return "fetch_page" }
func (f *FetchPage) Description() string { return "Fetch a web page and read its text content." }

func (f *FetchPage) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The page URL to fetch"}
		},
		"required": ["url"]
	}`)
}

func (f *FetchPage) Run(ctx context.Context, args map[string]any) (string, error) {
	pageURL, err := stringArg(args, "url")
	if err != nil {
		return "", err
	}
	logger.L.Info("fetching page", "url", pageURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("bad url %q: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; cirno-go)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %q: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %q: status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchPageMaxBytes))
	if err != nil {
		return "", fmt.Errorf("read %q: %w", pageURL, err)
	}
	return stripHTML(string(body)), nil
}

func stripHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
