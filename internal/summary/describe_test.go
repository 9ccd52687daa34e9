package summary

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/chatsum/internal/store"
)

type fakeVision struct {
	mu      sync.Mutex
	urls    []string
	prompts []string
	block   chan struct{}
	err     error
	text    string
}

func (v *fakeVision) Describe(ctx context.Context, imageURL, prompt string) (string, error) {
	if v.block != nil {
		<-v.block
	}
	v.mu.Lock()
	v.urls = append(v.urls, imageURL)
	v.prompts = append(v.prompts, prompt)
	v.mu.Unlock()
	if v.err != nil {
		return "", v.err
	}
	return v.text, nil
}

type memRecords struct {
	mu   sync.Mutex
	recs []store.Record
	err  error
}

func (m *memRecords) Insert(ctx context.Context, rec store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRecords) all() []store.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Record, len(m.recs))
	copy(out, m.recs)
	return out
}

func smallPNG(t *testing.T) string {
	return writePNG(t, t.TempDir(), 8, 8, func(x, y int) color.Color {
		return color.NRGBA{R: 10, G: 20, B: 30, A: 255}
	})
}

func scratchEntries(t *testing.T, dir string) int {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestDescriber_StoresDescription(t *testing.T) {
	vision := &fakeVision{text: "一张纯色图片"}
	recs := &memRecords{}
	scratch := t.TempDir()
	d, err := NewDescriber(vision, recs, DescriberOptions{Workers: 2, MaxPending: 4, ScratchDir: scratch})
	require.NoError(t, err)

	src := smallPNG(t)
	ok := d.Submit(ImageTask{
		Record: store.Record{SessionID: "G", SessionName: "Gophers", MsgID: 7, Sender: "alice", Type: store.TypeImage, Timestamp: 42, IsTriggered: true},
		Path:   src,
	})
	require.True(t, ok)
	require.NoError(t, d.Close())

	got := recs.all()
	require.Len(t, got, 1)
	assert.Equal(t, "[图片描述]一张纯色图片", got[0].Content)
	assert.Equal(t, store.TypeExplain, got[0].Type)
	assert.Equal(t, int64(7), got[0].MsgID)
	assert.Equal(t, int64(42), got[0].Timestamp)
	assert.Equal(t, "Gophers", got[0].SessionName)
	assert.False(t, got[0].IsTriggered)

	require.Len(t, vision.urls, 1)
	assert.True(t, strings.HasPrefix(vision.urls[0], "data:image/jpeg;base64,"))
	assert.Equal(t, DefaultImagePrompt, vision.prompts[0])

	assert.Zero(t, scratchEntries(t, scratch))
	_, err = os.Stat(src)
	assert.NoError(t, err, "source file is left alone")
	assert.Zero(t, d.Pending())
}

func TestDescriber_DropsOverPendingLimit(t *testing.T) {
	vision := &fakeVision{text: "x", block: make(chan struct{})}
	recs := &memRecords{}
	d, err := NewDescriber(vision, recs, DescriberOptions{Workers: 1, MaxPending: 2, ScratchDir: t.TempDir()})
	require.NoError(t, err)

	src := smallPNG(t)
	assert.True(t, d.Submit(ImageTask{Record: store.Record{SessionID: "G", MsgID: 1}, Path: src}))
	assert.True(t, d.Submit(ImageTask{Record: store.Record{SessionID: "G", MsgID: 2}, Path: src}))
	assert.False(t, d.Submit(ImageTask{Record: store.Record{SessionID: "G", MsgID: 3}, Path: src}))
	assert.Equal(t, 2, d.Pending())

	close(vision.block)
	require.NoError(t, d.Close())
	assert.Len(t, recs.all(), 2)
	assert.Zero(t, d.Pending())
}

func TestDescriber_FailuresAreNotStored(t *testing.T) {
	cases := []struct {
		name   string
		vision *fakeVision
		path   func(t *testing.T) string
	}{
		{"missing source", &fakeVision{text: "x"}, func(t *testing.T) string { return filepath.Join(t.TempDir(), "gone.jpg") }},
		{"undecodable", &fakeVision{text: "x"}, func(t *testing.T) string {
			p := filepath.Join(t.TempDir(), "bad.jpg")
			require.NoError(t, os.WriteFile(p, []byte("garbage"), 0644))
			return p
		}},
		{"vision error", &fakeVision{err: errors.New("503")}, smallPNG},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recs := &memRecords{}
			scratch := t.TempDir()
			d, err := NewDescriber(tc.vision, recs, DescriberOptions{Workers: 1, MaxPending: 1, ScratchDir: scratch})
			require.NoError(t, err)

			require.True(t, d.Submit(ImageTask{Record: store.Record{SessionID: "G", MsgID: 1}, Path: tc.path(t)}))
			require.NoError(t, d.Close())
			assert.Empty(t, recs.all())
			assert.Zero(t, scratchEntries(t, scratch))
			assert.Zero(t, d.Pending())
		})
	}
}

func TestDescriber_SubmitAfterClose(t *testing.T) {
	d, err := NewDescriber(&fakeVision{}, &memRecords{}, DescriberOptions{Workers: 1, ScratchDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.NoError(t, d.Close())
	assert.False(t, d.Submit(ImageTask{Path: "x"}))
}

func TestDescriber_SubmitDuringClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		d, err := NewDescriber(&fakeVision{text: "x"}, &memRecords{}, DescriberOptions{Workers: 2, MaxPending: 8, ScratchDir: t.TempDir()})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				d.Submit(ImageTask{Record: store.Record{SessionID: "G", MsgID: int64(j)}, Path: "missing.png"})
			}(j)
		}
		require.NoError(t, d.Close())
		wg.Wait()

		assert.False(t, d.Submit(ImageTask{Path: "missing.png"}))
		assert.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)
	}
}

func TestNewDescriber_RequiresWorkers(t *testing.T) {
	_, err := NewDescriber(&fakeVision{}, &memRecords{}, DescriberOptions{})
	assert.Error(t, err)
}

func TestDescriber_VisionTimeout(t *testing.T) {
	vision := &blockingVision{}
	recs := &memRecords{}
	d, err := NewDescriber(vision, recs, DescriberOptions{Workers: 1, ScratchDir: t.TempDir(), Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	require.True(t, d.Submit(ImageTask{Record: store.Record{SessionID: "G", MsgID: 1}, Path: smallPNG(t)}))
	require.NoError(t, d.Close())
	assert.Empty(t, recs.all())
}

type blockingVision struct{}

func (blockingVision) Describe(ctx context.Context, imageURL, prompt string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}
