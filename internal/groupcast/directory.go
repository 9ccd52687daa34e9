package groupcast

import (
	"sort"
	"strings"
	"sync"

	"github.com/stellarlinkco/chatsum/internal/config"
)

// Group is a chat the relay can post to.
type Group struct {
	Channel string
	ID      string
	Name    string
}

func (g Group) key() string { return g.Channel + ":" + g.ID }

// Directory knows the groups the bot is in: those listed in the config and
// those it has seen messages from. Telegram offers no call to list a bot's
// chats, so discovery is passive.
type Directory struct {
	defaultChannel string

	mu     sync.RWMutex
	groups map[string]Group
}

func NewDirectory(defaultChannel string, known []config.KnownGroup) *Directory {
	d := &Directory{defaultChannel: defaultChannel, groups: make(map[string]Group)}
	for _, k := range known {
		d.Observe(Group{Channel: k.Channel, ID: k.ID, Name: k.Name})
	}
	return d
}

// Observe records g, refreshing its name when it changed.
func (d *Directory) Observe(g Group) {
	if g.ID == "" {
		return
	}
	if g.Channel == "" {
		g.Channel = d.defaultChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.groups[g.key()]; ok && g.Name == "" {
		g.Name = old.Name
	}
	d.groups[g.key()] = g
}

// Groups returns every known group ordered by channel and id.
func (d *Directory) Groups() []Group {
	d.mu.RLock()
	out := make([]Group, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Matching returns the known groups whose name contains any keyword.
func (d *Directory) Matching(keywords []string) []Group {
	var out []Group
	for _, g := range d.Groups() {
		for _, kw := range keywords {
			if kw != "" && strings.Contains(g.Name, kw) {
				out = append(out, g)
				break
			}
		}
	}
	return out
}
