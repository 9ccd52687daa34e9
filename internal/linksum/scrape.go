package linksum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"

	"github.com/stellarlinkco/chatsum/internal/log"
)

const (
	scrapeTimeout = 90 * time.Second
	healthTimeout = 5 * time.Second
	scrapePath    = "/v1/scrape"
)

var (
	// ErrNoContent means the scraper answered but nothing usable came back.
	ErrNoContent = errors.New("no content in scrape response")

	captchaKeywords = []string{"环境异常", "完成验证", "拖动滑块", "验证码"}
)

// Scraper fetches page content from a firecrawl compatible endpoint.
type Scraper struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewScraper(endpoint, apiKey string, client *http.Client) *Scraper {
	if client == nil {
		client = &http.Client{}
	}
	return &Scraper{endpoint: endpoint, apiKey: apiKey, client: client}
}

// Health probes the service root. Any HTTP answer counts as healthy.
func (s *Scraper) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	base := strings.Replace(s.endpoint, scrapePath, "", 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("scraper unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	log.Infof("[linksum] scraper health: %d", resp.StatusCode)
	return nil
}

type scrapeData struct {
	Markdown *string `json:"markdown"`
	Content  *string `json:"content"`
	Text     *string `json:"text"`
	HTML     *string `json:"html"`
}

type scrapeResponse struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data"`
	Markdown *string         `json:"markdown"`
	Content  *string         `json:"content"`
	Text     *string         `json:"text"`
}

// Scrape returns the page content as markdown. Pages behind a captcha wall
// yield ErrNoContent.
func (s *Scraper) Scrape(ctx context.Context, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, scrapeTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"url": target})
	if err != nil {
		return "", fmt.Errorf("marshal scrape payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create scrape request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	log.Infof("[linksum] scraping %s", target)
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("scrape request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read scrape response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("scrape status %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(raw)), 200))
	}

	var result scrapeResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode scrape response: %w", err)
	}

	content, err := extractContent(result)
	if err != nil {
		return "", err
	}
	if content == "" {
		log.Errorf("[linksum] no content in scrape response: %s", truncate(string(raw), 200))
		return "", ErrNoContent
	}
	for _, kw := range captchaKeywords {
		if strings.Contains(content, kw) {
			log.Warnf("[linksum] %s asks for verification", target)
			return "", ErrNoContent
		}
	}
	log.Infof("[linksum] scraped %d characters", len([]rune(content)))
	return content, nil
}

// extractContent walks the response shapes seen across scraper deployments:
// data.markdown on success, then top level markdown, content and text, then
// data.content, data.text and data.html.
func extractContent(r scrapeResponse) (string, error) {
	var data *scrapeData
	if len(r.Data) > 0 && r.Data[0] == '{' {
		data = &scrapeData{}
		if err := json.Unmarshal(r.Data, data); err != nil {
			return "", fmt.Errorf("decode scrape data: %w", err)
		}
	}

	switch {
	case r.Success && data != nil:
		return deref(data.Markdown), nil
	case r.Markdown != nil:
		return *r.Markdown, nil
	case r.Content != nil:
		return *r.Content, nil
	case r.Text != nil:
		return *r.Text, nil
	case data != nil:
		switch {
		case data.Content != nil:
			return *data.Content, nil
		case data.Text != nil:
			return *data.Text, nil
		case data.HTML != nil:
			return htmlToMarkdown(*data.HTML)
		}
	}
	return "", nil
}

func htmlToMarkdown(html string) (string, error) {
	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
	md, err := conv.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert html: %w", err)
	}
	return strings.TrimSpace(md), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
