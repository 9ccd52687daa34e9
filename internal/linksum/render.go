package linksum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	renderTimeout  = 30 * time.Second
	maxRenderBytes = 10 << 20

	defaultCardTitle  = "📝 内容总结"
	defaultCardAuthor = "AI助手"
)

// CardStyle carries the branding fields of the rendered card.
type CardStyle struct {
	IconURL    string
	Watermark  string
	QRCodeURL  string
	QRCodeText string
}

// Renderer turns a digest into a PNG card through a remote render service.
type Renderer struct {
	endpoint string
	style    CardStyle
	client   *http.Client
}

func NewRenderer(endpoint string, style CardStyle, client *http.Client) *Renderer {
	if client == nil {
		client = &http.Client{}
	}
	return &Renderer{endpoint: endpoint, style: style, client: client}
}

type switchConfig struct {
	ShowIcon      bool `json:"showIcon"`
	ShowTitle     bool `json:"showTitle"`
	ShowContent   bool `json:"showContent"`
	ShowAuthor    bool `json:"showAuthor"`
	ShowQRCode    bool `json:"showQRCode"`
	ShowSignature bool `json:"showSignature"`
	ShowQuotes    bool `json:"showQuotes"`
}

type cardRequest struct {
	Icon              string       `json:"icon"`
	Date              string       `json:"date"`
	Title             string       `json:"title"`
	Author            string       `json:"author"`
	Content           string       `json:"content"`
	Font              string       `json:"font"`
	FontStyle         string       `json:"fontStyle"`
	TitleFontSize     int          `json:"titleFontSize"`
	ContentFontSize   int          `json:"contentFontSize"`
	ContentLineHeight int          `json:"contentLineHeight"`
	ContentColor      string       `json:"contentColor"`
	BackgroundColor   string       `json:"backgroundColor"`
	Width             int          `json:"width"`
	Height            int          `json:"height"`
	UseFont           string       `json:"useFont"`
	FontScale         float64      `json:"fontScale"`
	Ratio             string       `json:"ratio"`
	Padding           int          `json:"padding"`
	Watermark         string       `json:"watermark"`
	QRCodeTitle       string       `json:"qrCodeTitle"`
	QRCode            string       `json:"qrCode"`
	WatermarkText     string       `json:"watermarkText"`
	WatermarkColor    string       `json:"watermarkColor"`
	WatermarkSize     int          `json:"watermarkSize"`
	WatermarkGap      int          `json:"watermarkGap"`
	ExportType        string       `json:"exportType"`
	ExportQuality     int          `json:"exportQuality"`
	SwitchConfig      switchConfig `json:"switchConfig"`
}

func (r *Renderer) request(d Digest) cardRequest {
	title := d.Title
	if title == "" {
		title = defaultCardTitle
	}
	author := d.Author
	if author == "" {
		author = defaultCardAuthor
	}
	qrTitle := ""
	if r.style.QRCodeText != "" {
		qrTitle = "<p>" + r.style.QRCodeText + "</p>"
	}
	return cardRequest{
		Icon:              r.style.IconURL,
		Date:              d.Date + "日",
		Title:             title,
		Author:            author,
		Content:           d.Text(),
		Font:              "Noto Sans SC",
		FontStyle:         "Regular",
		TitleFontSize:     36,
		ContentFontSize:   28,
		ContentLineHeight: 44,
		ContentColor:      "#333333",
		BackgroundColor:   "#FFFFFF",
		Width:             440,
		UseFont:           "MiSans-Thin",
		FontScale:         0.7,
		Ratio:             "Auto",
		Padding:           15,
		Watermark:         r.style.Watermark,
		QRCodeTitle:       qrTitle,
		QRCode:            r.style.QRCodeURL,
		WatermarkColor:    "#999999",
		WatermarkSize:     24,
		WatermarkGap:      20,
		ExportType:        "png",
		ExportQuality:     100,
		SwitchConfig: switchConfig{
			ShowIcon:    r.style.IconURL != "",
			ShowTitle:   true,
			ShowContent: true,
			ShowAuthor:  true,
			ShowQRCode:  r.style.QRCodeURL != "",
		},
	}
}

// Render posts the card and returns the image bytes. Responses that are not
// images are errors.
func (r *Renderer) Render(ctx context.Context, d Digest) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()

	body, err := json.Marshal(r.request(d))
	if err != nil {
		return nil, fmt.Errorf("marshal card: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("render status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("render returned %q, want an image", ct)
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, maxRenderBytes))
	if err != nil {
		return nil, fmt.Errorf("read rendered card: %w", err)
	}
	return img, nil
}
