package content

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/chatsum/internal/bus"
)

const musicXML = `<?xml version="1.0"?><msg><appmsg appid="wx"><title>[网易云音乐]晴天</title><des>周杰伦</des><type>3</type><url>https://music.163.com/x</url></appmsg></msg>`

const videoXML = `<?xml version="1.0"?>
<msg><appmsg appid=""><title>当前微信版本不支持展示该内容，请升级至最新版本。</title><type>51</type>
<finderFeed><nickname>旅行日记</nickname><desc>冰岛极光延时摄影</desc></finderFeed></appmsg></msg>`

func TestNormalize_MusicShare(t *testing.T) {
	got := Normalize(musicXML, bus.KindSharing)
	assert.Equal(t, "[音乐分享] 晴天 - 周杰伦 (网易云音乐)", got.Content)
	assert.True(t, got.Explain)

	noArtist := strings.Replace(musicXML, "<des>周杰伦</des>", "", 1)
	got = Normalize(noArtist, bus.KindText)
	assert.Equal(t, "[音乐分享] 晴天 (网易云音乐)", got.Content)
}

func TestNormalize_UnsupportedVideo(t *testing.T) {
	got := Normalize(videoXML, bus.KindSharing)
	assert.Equal(t, "[多媒体描述]冰岛极光延时摄影", got.Content)
	assert.True(t, got.Explain)
}

func TestNormalize_UnsupportedVideoFallbacks(t *testing.T) {
	base := `<?xml version="1.0"?><msg><appmsg><title>Your current Weixin version does not support this content</title>%s</appmsg></msg>`

	cases := []struct {
		name string
		body string
		want string
	}{
		{"root desc", "<desc>root level</desc>", "[多媒体描述]root level"},
		{"nickname", "<nickname>小王</nickname>", "[多媒体描述]来自小王的视频"},
		{"biz nickname", "<bizNickname>官方号</bizNickname>", "[多媒体描述]来自官方号的视频"},
		{"blank desc falls through", "<desc>  </desc><nickname>小李</nickname>", "[多媒体描述]来自小李的视频"},
		{"nothing", "", "[多媒体描述]未知内容的视频"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := strings.Replace(base, "%s", tc.body, 1)
			assert.Equal(t, tc.want, Normalize(raw, bus.KindSharing).Content)
		})
	}
}

func decodeQuote(t *testing.T, s string) map[string]any {
	t.Helper()
	require.True(t, strings.HasPrefix(s, PrefixQuote), "got %q", s)
	body := strings.TrimPrefix(s, PrefixQuote)
	assert.NotContains(t, body, "\n")
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return out
}

func TestNormalize_QuoteText(t *testing.T) {
	raw := "「Alice: the original\ntext」\n----------\nI agree <b>strongly</b>"
	got := Normalize(raw, bus.KindText)
	assert.False(t, got.Explain)

	env := decodeQuote(t, got.Content)
	assert.Equal(t, "I agree <b>strongly</b>", env["reply"])
	assert.Equal(t, "text", env["quote_type"])
	assert.Equal(t, "Alice", env["quoted_person"])
	assert.Equal(t, "the original\ntext", env["content"])
	assert.Contains(t, got.Content, "<b>", "html is not escaped")

	keys := []string{`"reply"`, `"quote_type"`, `"quoted_person"`, `"content"`}
	last := -1
	for _, k := range keys {
		idx := strings.Index(got.Content, k)
		require.Greater(t, idx, last, "key order %s", k)
		last = idx
	}
}

func TestClassifyQuoted(t *testing.T) {
	qt, body := classifyQuoted(musicXML)
	assert.Equal(t, "music", qt)
	assert.Equal(t, music{App: "网易云音乐", Title: "晴天", Artist: "周杰伦", Description: "晴天 - 周杰伦 (网易云音乐)"}, body)

	qt, body = classifyQuoted(videoXML)
	assert.Equal(t, "video", qt)
	assert.Equal(t, map[string]string{"desc": "冰岛极光延时摄影"}, body)

	qt, body = classifyQuoted("just words")
	assert.Equal(t, "text", qt)
	assert.Equal(t, "just words", body)
}

func TestNormalize_QuoteKinds(t *testing.T) {
	cases := []struct {
		name   string
		quoted string
		want   string
	}{
		{"share", `<msg><appmsg><title>Go 1.24 release notes</title><url>https://go.dev/doc/go1.24</url></appmsg></msg>`, "share"},
		{"image", `<msg><img cdnthumburl="abc" /></msg>`, "image"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := "「Bob:" + tc.quoted + "」\n----------\nlook"
			env := decodeQuote(t, Normalize(raw, bus.KindText).Content)
			assert.Equal(t, tc.want, env["quote_type"])
			assert.Equal(t, "Bob", env["quoted_person"])
			assert.Equal(t, "look", env["reply"])
		})
	}
}

func TestNormalize_QuoteShareContent(t *testing.T) {
	raw := "「Bob:<msg><appmsg><title>Go 1.24</title><url>https://go.dev</url></appmsg></msg>」----------see"
	env := decodeQuote(t, Normalize(raw, bus.KindText).Content)
	body, ok := env["content"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Go 1.24", body["title"])
	assert.Equal(t, "https://go.dev", body["url"])

	raw = "「Bob:<msg><appmsg><url></url></appmsg></msg>」----------see"
	env = decodeQuote(t, Normalize(raw, bus.KindText).Content)
	body = env["content"].(map[string]any)
	assert.Equal(t, "未知标题", body["title"])
	assert.NotContains(t, body, "url")
}

func TestNormalize_Placeholders(t *testing.T) {
	assert.Equal(t, Result{Content: "[图片]"}, Normalize("/tmp/img/123.jpg", bus.KindImage))
	assert.Equal(t, Result{Content: "[语音]"}, Normalize("/tmp/voice/1.ogg", bus.KindVoice))
}

func TestNormalize_Passthrough(t *testing.T) {
	for _, raw := range []string{
		"plain message",
		"",
		"<?xml broken <msg> <appmsg <title>unterminated",
		"「not a quote without separator」",
	} {
		assert.Equal(t, Result{Content: raw}, Normalize(raw, bus.KindText))
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	raw := "「Alice:hi」----------yo"
	first := Normalize(raw, bus.KindText)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Normalize(raw, bus.KindText))
	}
}
