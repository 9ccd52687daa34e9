// Package content flattens raw chat payloads into text fit for storage and
// summarization. Matching is pattern based; malformed XML simply falls
// through to the next rule.
package content

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/stellarlinkco/chatsum/internal/bus"
)

const (
	PrefixMusic      = "[音乐分享]"
	PrefixMedia      = "[多媒体描述]"
	PrefixQuote      = "[引用]"
	PlaceholderImage = "[图片]"
	PlaceholderVoice = "[语音]"

	unknownVideo = "未知内容的视频"
	unknownTitle = "未知标题"
)

var (
	typeRe         = regexp.MustCompile(`<type>(\d+)</type>`)
	musicTitleRe   = regexp.MustCompile(`<title>\[(.*?)\](.*?)</title>`)
	titleRe        = regexp.MustCompile(`<title>(.*?)</title>`)
	desRe          = regexp.MustCompile(`<des>(.*?)</des>`)
	finderDescRe   = regexp.MustCompile(`(?s)<finderFeed>.*?<desc>(.*?)</desc>`)
	descRe         = regexp.MustCompile(`<desc>(.*?)</desc>`)
	nicknameRe     = regexp.MustCompile(`<nickname>(.*?)</nickname>`)
	bizNicknameRe  = regexp.MustCompile(`<bizNickname>(.*?)</bizNickname>`)
	urlRe          = regexp.MustCompile(`<url>(.*?)</url>`)
	quoteRe        = regexp.MustCompile(`「(.*?):[\s\S]*?」[\s\S]*?----------([\s\S]*)`)
	quotedInnerRe  = regexp.MustCompile(`「.*?:([\s\S]*?)」`)
	unsupportedTag = []string{"不支持展示该内容", "not support this content"}
)

// Result is a normalized payload. Explain marks derived descriptions (music
// shares, video placeholders) that are stored with the EXPLAIN type.
type Result struct {
	Content string
	Explain bool
}

// Normalize applies, in order: music share, unsupported-content placeholder,
// quote envelope, image/voice placeholder, passthrough.
func Normalize(raw string, kind bus.MessageKind) Result {
	if isAppMsg(raw) || kind == bus.KindSharing {
		if m, ok := parseMusic(raw); ok {
			return Result{Content: m.line(), Explain: true}
		}
		if title, ok := firstGroup(titleRe, raw); ok && isUnsupported(title) {
			return Result{Content: PrefixMedia + videoDescription(raw), Explain: true}
		}
	}

	if q, ok := parseQuote(raw); ok {
		return Result{Content: q}
	}

	switch kind {
	case bus.KindImage:
		return Result{Content: PlaceholderImage}
	case bus.KindVoice:
		return Result{Content: PlaceholderVoice}
	}
	return Result{Content: raw}
}

func isAppMsg(s string) bool {
	return strings.Contains(s, "<?xml") && strings.Contains(s, "<msg>") && strings.Contains(s, "<appmsg")
}

func isUnsupported(title string) bool {
	for _, tag := range unsupportedTag {
		if strings.Contains(title, tag) {
			return true
		}
	}
	return false
}

type music struct {
	App         string `json:"app"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Description string `json:"description"`
}

func (m music) line() string {
	return PrefixMusic + " " + m.Description
}

func parseMusic(s string) (music, bool) {
	tp, ok := firstGroup(typeRe, s)
	if !ok || tp != "3" {
		return music{}, false
	}
	sm := musicTitleRe.FindStringSubmatch(s)
	if sm == nil {
		return music{}, false
	}
	m := music{
		App:   strings.TrimSpace(sm[1]),
		Title: strings.TrimSpace(sm[2]),
	}
	if artist, ok := firstGroup(desRe, s); ok {
		m.Artist = strings.TrimSpace(artist)
	}
	m.Description = m.Title
	if m.Artist != "" {
		m.Description += " - " + m.Artist
	}
	m.Description += " (" + m.App + ")"
	return m, true
}

// videoDescription tries the feed description, the root description, then the
// nickname fields.
func videoDescription(s string) string {
	if d, ok := firstGroup(finderDescRe, s); ok && strings.TrimSpace(d) != "" {
		return strings.TrimSpace(d)
	}
	if d, ok := firstGroup(descRe, s); ok && strings.TrimSpace(d) != "" {
		return strings.TrimSpace(d)
	}
	if n, ok := firstGroup(nicknameRe, s); ok && strings.TrimSpace(n) != "" {
		return "来自" + strings.TrimSpace(n) + "的视频"
	}
	if n, ok := firstGroup(bizNicknameRe, s); ok && strings.TrimSpace(n) != "" {
		return "来自" + strings.TrimSpace(n) + "的视频"
	}
	return unknownVideo
}

type quoteEnvelope struct {
	Reply        string `json:"reply"`
	QuoteType    string `json:"quote_type"`
	QuotedPerson string `json:"quoted_person"`
	Content      any    `json:"content"`
}

func parseQuote(s string) (string, bool) {
	m := quoteRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	quoted := ""
	if inner := quotedInnerRe.FindStringSubmatch(s); inner != nil {
		quoted = strings.TrimSpace(inner[1])
	}
	qt, body := classifyQuoted(quoted)

	env := quoteEnvelope{
		Reply:        strings.TrimSpace(m[2]),
		QuoteType:    qt,
		QuotedPerson: strings.TrimSpace(m[1]),
		Content:      body,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return "", false
	}
	line := strings.ReplaceAll(strings.TrimSpace(buf.String()), "\n", "")
	return PrefixQuote + line, true
}

// classifyQuoted returns the quote type and its content object.
func classifyQuoted(s string) (string, any) {
	if isAppMsg(s) {
		if m, ok := parseMusic(s); ok {
			return "music", m
		}
		if title, ok := firstGroup(titleRe, s); ok && isUnsupported(title) {
			return "video", map[string]string{"desc": videoDescription(s)}
		}
	}
	if strings.Contains(s, "<msg>") && strings.Contains(s, "<appmsg") {
		share := map[string]string{"title": unknownTitle}
		if title, ok := firstGroup(titleRe, s); ok {
			share["title"] = strings.TrimSpace(title)
		}
		if u, ok := firstGroup(urlRe, s); ok && strings.TrimSpace(u) != "" {
			share["url"] = strings.TrimSpace(u)
		}
		return "share", share
	}
	if strings.Contains(s, "<msg>") && (strings.Contains(s, "<img") || strings.Contains(s, "cdnthumburl")) {
		return "image", nil
	}
	return "text", s
}

func firstGroup(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}
