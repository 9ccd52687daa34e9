package linksum

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Outcome tells how a digest was obtained from the model output.
type Outcome int

const (
	// Parsed: the output was valid JSON.
	Parsed Outcome = iota
	// Recovered: JSON parsing failed and fields were extracted by pattern.
	Recovered
	// Unrecoverable: nothing could be extracted; the digest holds placeholders.
	Unrecoverable
)

func (o Outcome) String() string {
	switch o {
	case Parsed:
		return "parsed"
	case Recovered:
		return "recovered"
	case Unrecoverable:
		return "unrecoverable"
	}
	return "unknown"
}

const dateLayout = "2006-01-02"

// Digest is the structured summary of one page.
type Digest struct {
	Title     string
	Author    string
	Date      string
	Summary   string
	Keypoints []string
	Tags      string
}

// Text renders the digest as a chat reply.
func (d Digest) Text() string {
	points := make([]string, len(d.Keypoints))
	for i, p := range d.Keypoints {
		points[i] = fmt.Sprintf("%d. %s", i+1, p)
	}
	return fmt.Sprintf("%s\n\n%s\n\n🏷 %s", d.Summary, strings.Join(points, "\n"), d.Tags)
}

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	noiseRe      = regexp.MustCompile(`\*\*|\\n|\\r|\\t`)
	spaceRe      = regexp.MustCompile(`\s+`)

	summaryRe   = fieldRe("Summary")
	tagsRe      = fieldRe("Tags")
	titleRe     = fieldRe("Title")
	authorRe    = fieldRe("Author")
	keypointsRe = regexp.MustCompile(`(?is)(?:\d+\.\s*([^\n]+)|["']?Keypoints["']?\s*[:：]\s*\[(.*?)\])`)
	quotedRe    = regexp.MustCompile(`["']([^"']+)["']`)
	numberedRe  = regexp.MustCompile(`\d+\.\s*([^\n]+)`)
)

func fieldRe(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?is)["']?` + name + `["']?\s*[:：]\s*["']?([^"'}\n]+)["']?`)
}

type rawDigest struct {
	Title   *string `json:"Title"`
	Author  *string `json:"Author"`
	Date    *string `json:"Date"`
	Content *struct {
		Summary   *string `json:"Summary"`
		Keypoints []any   `json:"Keypoints"`
		Tags      any     `json:"Tags"`
	} `json:"Content"`
}

// ParseDigest reads the model output. A JSON object (optionally fenced) is
// preferred; otherwise fields are picked out by pattern.
func ParseDigest(text string, now time.Time) (Digest, Outcome) {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	var raw rawDigest
	if err := json.Unmarshal([]byte(clean(text)), &raw); err == nil {
		return raw.digest(now), Parsed
	}

	if d, ok := recoverDigest(text, now); ok {
		return d, Recovered
	}
	return Digest{
		Title:   "解析失败",
		Author:  "未知",
		Date:    now.Format(dateLayout),
		Summary: "内容解析失败",
		Tags:    "无标签",
	}, Unrecoverable
}

func (r rawDigest) digest(now time.Time) Digest {
	d := Digest{
		Title:   orDefault(r.Title, "无标题"),
		Author:  orDefault(r.Author, "未知作者"),
		Date:    orDefault(r.Date, now.Format(dateLayout)),
		Summary: "暂无总结",
		Tags:    "无标签",
	}
	if r.Content == nil {
		return d
	}
	d.Summary = orDefault(r.Content.Summary, d.Summary)
	for _, kp := range r.Content.Keypoints {
		d.Keypoints = append(d.Keypoints, fmt.Sprint(kp))
	}
	switch tags := r.Content.Tags.(type) {
	case string:
		d.Tags = tags
	case []any:
		parts := make([]string, 0, len(tags))
		for _, t := range tags {
			parts = append(parts, fmt.Sprint(t))
		}
		d.Tags = strings.Join(parts, " ")
	}
	return d
}

func recoverDigest(text string, now time.Time) (Digest, bool) {
	d := Digest{
		Title:   "无标题",
		Author:  "未提供",
		Date:    now.Format(dateLayout),
		Summary: "暂无内容",
		Tags:    "暂无内容",
	}
	found := false
	for _, f := range []struct {
		re  *regexp.Regexp
		dst *string
	}{
		{summaryRe, &d.Summary},
		{tagsRe, &d.Tags},
		{titleRe, &d.Title},
		{authorRe, &d.Author},
	} {
		if m := f.re.FindStringSubmatch(text); m != nil {
			*f.dst = clean(m[1])
			found = true
		}
	}

	if m := keypointsRe.FindStringSubmatch(text); m != nil {
		var points []string
		if m[2] != "" {
			for _, q := range quotedRe.FindAllStringSubmatch(m[2], -1) {
				points = append(points, q[1])
			}
		} else {
			for _, n := range numberedRe.FindAllStringSubmatch(text, -1) {
				points = append(points, n[1])
			}
		}
		for _, p := range points {
			if strings.TrimSpace(p) != "" {
				d.Keypoints = append(d.Keypoints, clean(p))
			}
		}
		found = found || len(d.Keypoints) > 0
	}
	return d, found
}

// clean drops markdown bold markers and escaped control sequences and
// collapses whitespace.
func clean(s string) string {
	s = noiseRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func orDefault(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
