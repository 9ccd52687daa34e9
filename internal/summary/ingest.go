package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/chatsum/internal/bus"
	"github.com/stellarlinkco/chatsum/internal/content"
	"github.com/stellarlinkco/chatsum/internal/log"
	"github.com/stellarlinkco/chatsum/internal/plugin"
	"github.com/stellarlinkco/chatsum/internal/store"
)

// ImageSubmitter accepts image description work without blocking.
type ImageSubmitter interface {
	Submit(task ImageTask) bool
}

// Ingestor turns every inbound message into a stored record.
type Ingestor struct {
	records   RecordWriter
	names     *NameCache
	trigger   *plugin.Trigger
	describer ImageSubmitter
	now       func() time.Time
}

// NewIngestor builds an Ingestor. describer may be nil when no multimodal
// endpoint is configured.
func NewIngestor(records RecordWriter, names *NameCache, trigger *plugin.Trigger, describer ImageSubmitter) *Ingestor {
	if names == nil {
		names = NewNameCache(nil, 0)
	}
	return &Ingestor{
		records:   records,
		names:     names,
		trigger:   trigger,
		describer: describer,
		now:       time.Now,
	}
}

// Ingest stores msg. Image messages are also handed to the describer.
func (in *Ingestor) Ingest(ctx context.Context, msg bus.InboundMessage) error {
	triggered := in.trigger != nil && in.trigger.Matches(msg)

	raw := msg.Content
	rec := store.Record{
		SessionID:   msg.ChatID,
		MsgID:       msg.MsgID,
		SenderID:    msg.SenderID,
		Sender:      in.names.Resolve(ctx, msg.SenderID, msg.SenderName),
		Timestamp:   msg.CreateTime.Unix(),
		IsTriggered: triggered,
	}
	if msg.CreateTime.IsZero() {
		rec.Timestamp = in.now().Unix()
	}
	if msg.IsGroup {
		rec.SessionName = in.names.Resolve(ctx, msg.ChatID, msg.ChatName)
		if prefix := msg.SenderID + ":"; msg.SenderID != "" && strings.HasPrefix(raw, prefix) {
			raw = strings.TrimSpace(strings.TrimPrefix(raw, prefix))
		}
	}

	norm := content.Normalize(raw, msg.Kind)
	rec.Content = norm.Content
	rec.Type = msg.Kind.String()
	if norm.Explain {
		rec.Type = store.TypeExplain
	}

	if err := in.records.Insert(ctx, rec); err != nil {
		return fmt.Errorf("ingest %s/%d: %w", rec.SessionID, rec.MsgID, err)
	}
	log.Debugf("[summary] %s: %s (%s)", rec.Sender, truncate(rec.Content, 50), rec.SessionID)

	if msg.Kind == bus.KindImage && in.describer != nil && msg.MediaPath != "" {
		in.describer.Submit(ImageTask{Record: rec, Path: msg.MediaPath})
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
