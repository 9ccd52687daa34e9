package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/chatsum/internal/bus"
	"github.com/stellarlinkco/chatsum/internal/config"
)

type recorder struct {
	name     string
	priority int
	calls    *[]string
	onHandle func(ev *Event)
	closeErr error
	hidden   bool
	closed   bool
}

func (r *recorder) Name() string                 { return r.name }
func (r *recorder) Priority() int                { return r.priority }
func (r *recorder) HelpText(verbose bool) string { return r.name + " help" }
func (r *recorder) Hidden() bool                 { return r.hidden }

func (r *recorder) OnReceive(ctx context.Context, ev *Event) {
	*r.calls = append(*r.calls, "recv:"+r.name)
}

func (r *recorder) OnHandle(ctx context.Context, ev *Event) {
	*r.calls = append(*r.calls, "handle:"+r.name)
	if r.onHandle != nil {
		r.onHandle(ev)
	}
}

func (r *recorder) Close() error {
	r.closed = true
	return r.closeErr
}

func TestHost_DispatchOrder(t *testing.T) {
	var calls []string
	low := &recorder{name: "low", priority: 1, calls: &calls}
	high := &recorder{name: "high", priority: 100, calls: &calls}
	mid := &recorder{name: "mid", priority: 50, calls: &calls}

	h := NewHost(NewTrigger(config.TriggerConfig{SingleChatPrefix: []string{""}}), low, high, mid)
	ev := h.Dispatch(context.Background(), bus.InboundMessage{Content: "hi"})

	assert.Equal(t, []string{"recv:high", "recv:mid", "recv:low", "handle:high", "handle:mid", "handle:low"}, calls)
	assert.Equal(t, Continue, ev.Action)
	assert.True(t, ev.Addressed)
	assert.Nil(t, ev.Reply)
}

func TestHost_DispatchStopsOnBreak(t *testing.T) {
	var calls []string
	first := &recorder{name: "first", priority: 10, calls: &calls, onHandle: func(ev *Event) {
		ev.Respond(ReplyText, "done")
	}}
	second := &recorder{name: "second", priority: 5, calls: &calls}

	h := NewHost(nil, first, second)
	ev := h.Dispatch(context.Background(), bus.InboundMessage{Content: "x"})

	assert.Equal(t, []string{"recv:first", "recv:second", "handle:first"}, calls)
	assert.Equal(t, BreakPass, ev.Action)
	require.NotNil(t, ev.Reply)
	assert.Equal(t, "done", ev.Reply.Content)
	assert.False(t, ev.Addressed)
}

func TestEvent_Rewrite(t *testing.T) {
	ev := NewEvent(bus.InboundMessage{Kind: bus.KindJoinGroup, Content: "joined"}, false)
	ev.Rewrite("say hello")
	assert.Equal(t, bus.KindText, ev.Kind)
	assert.Equal(t, "say hello", ev.Content)
	assert.True(t, ev.Generate)
	assert.Equal(t, Break, ev.Action)
	assert.Equal(t, "joined", ev.Msg.Content)
}

func TestHost_HelpSkipsHidden(t *testing.T) {
	var calls []string
	h := NewHost(nil,
		&recorder{name: "a", priority: 2, calls: &calls},
		&recorder{name: "b", priority: 1, calls: &calls, hidden: true},
	)
	assert.Equal(t, "[a]\na help", h.Help(false))
}

func TestHost_CloseJoinsErrors(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	a := &recorder{name: "a", calls: &calls, closeErr: boom}
	b := &recorder{name: "b", calls: &calls}
	h := NewHost(nil, a, b)

	err := h.Close()
	assert.ErrorIs(t, err, boom)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestTrigger_Matches(t *testing.T) {
	tr := NewTrigger(config.TriggerConfig{
		GroupChatPrefix:  []string{"@bot", "bot,"},
		GroupChatKeyword: []string{"机器人"},
		SingleChatPrefix: []string{""},
	})

	cases := []struct {
		name string
		msg  bus.InboundMessage
		want bool
	}{
		{"group prefix", bus.InboundMessage{IsGroup: true, Content: "bot, hi"}, true},
		{"group keyword", bus.InboundMessage{IsGroup: true, Content: "问下机器人"}, true},
		{"group at", bus.InboundMessage{IsGroup: true, IsAt: true, Content: "hi"}, true},
		{"group plain", bus.InboundMessage{IsGroup: true, Content: "hi all"}, false},
		{"private empty prefix", bus.InboundMessage{Content: "anything"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tr.Matches(tc.msg))
		})
	}
}

func TestTrigger_AtOffAndPrivatePrefix(t *testing.T) {
	tr := NewTrigger(config.TriggerConfig{GroupAtOff: true, SingleChatPrefix: []string{"bot"}})
	assert.False(t, tr.Matches(bus.InboundMessage{IsGroup: true, IsAt: true, Content: "hi"}))
	assert.False(t, tr.Matches(bus.InboundMessage{Content: "hi"}))
	assert.True(t, tr.Matches(bus.InboundMessage{Content: "bot hi"}))
}

func TestTrigger_Strip(t *testing.T) {
	tr := NewTrigger(config.TriggerConfig{GroupChatPrefix: []string{"bot"}, SingleChatPrefix: []string{""}})
	assert.Equal(t, "$总结 10", tr.Strip(bus.InboundMessage{IsGroup: true, Content: "bot $总结 10"}))
	assert.Equal(t, "hi", tr.Strip(bus.InboundMessage{IsGroup: true, IsAt: true, Content: " hi "}))
	assert.Equal(t, "$总结", tr.Strip(bus.InboundMessage{Content: "$总结"}))
}

func TestHost_DispatchStripsPrefix(t *testing.T) {
	var seen string
	var calls []string
	p := &recorder{name: "p", calls: &calls, onHandle: func(ev *Event) { seen = ev.Content }}
	h := NewHost(NewTrigger(config.TriggerConfig{GroupChatPrefix: []string{"bot"}}), p)

	ev := h.Dispatch(context.Background(), bus.InboundMessage{IsGroup: true, Content: "bot  hello"})
	assert.True(t, ev.Addressed)
	assert.Equal(t, "hello", seen)
	assert.Equal(t, "bot  hello", ev.Msg.Content)

	h.Dispatch(context.Background(), bus.InboundMessage{IsGroup: true, Content: "plain"})
	assert.Equal(t, "plain", seen)
}

func TestTrigger_Command(t *testing.T) {
	tr := NewTrigger(config.TriggerConfig{})
	assert.Equal(t, "$", tr.PluginPrefix())

	word, args, ok := tr.Command("$总结 100 focus")
	require.True(t, ok)
	assert.Equal(t, "总结", word)
	assert.Equal(t, []string{"100", "focus"}, args)

	_, _, ok = tr.Command("总结 100")
	assert.False(t, ok)
	_, _, ok = tr.Command("   ")
	assert.False(t, ok)
}

func TestMatchKeywordIgnoresEmpty(t *testing.T) {
	_, ok := MatchKeyword("hello", []string{""})
	assert.False(t, ok)
	k, ok := MatchKeyword("hello world", []string{"x", "world"})
	assert.True(t, ok)
	assert.Equal(t, "world", k)
}
