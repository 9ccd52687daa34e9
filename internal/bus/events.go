package bus

import (
	"strconv"
	"time"
)

// MessageKind tags the payload of an InboundMessage. Channels decide it once
// when translating transport updates.
type MessageKind int

const (
	KindText MessageKind = iota
	KindImage
	KindVoice
	KindSharing
	KindJoinGroup
	KindExitGroup
	KindPatPat
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "TEXT"
	case KindImage:
		return "IMAGE"
	case KindVoice:
		return "VOICE"
	case KindSharing:
		return "SHARING"
	case KindJoinGroup:
		return "JOIN_GROUP"
	case KindExitGroup:
		return "EXIT_GROUP"
	case KindPatPat:
		return "PATPAT"
	default:
		return "KIND_" + strconv.Itoa(int(k))
	}
}

type InboundMessage struct {
	Channel    string
	Kind       MessageKind
	MsgID      int64
	ChatID     string
	ChatName   string // group title, or the peer's display name in private chats
	SenderID   string
	SenderName string
	Content    string
	MediaPath  string // staged local file for image kinds
	IsGroup    bool
	IsAt       bool
	CreateTime time.Time
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel   string
	ChatID    string
	Content   string
	Image     []byte
	ImagePath string
}

// HasImage reports whether the message carries an image payload.
func (m OutboundMessage) HasImage() bool {
	return len(m.Image) > 0 || m.ImagePath != ""
}
