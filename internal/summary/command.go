package summary

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/chatsum/internal/store"
)

// CommandWord follows the plugin trigger prefix, as in "$总结 100".
const CommandWord = "总结"

// timestampThreshold separates a message count from an absolute unix
// timestamp in a bare number token.
const timestampThreshold = 1000

var (
	hoursAgoRe   = regexp.MustCompile(`^-(\d+)h$`)
	secondsAgoRe = regexp.MustCompile(`^-(\d+)$`)
	digitsRe     = regexp.MustCompile(`^\d+$`)
)

// Command is a parsed summary request.
type Command struct {
	Since        int64 // 0 means no lower bound
	Limit        int
	CustomPrompt string
	Target       string // session name or id for a cross-session request
	Password     string
}

func (c Command) CrossSession() bool { return c.Target != "" }

type tokenKind int

const (
	tokFree tokenKind = iota
	tokTarget
	tokHours
	tokSeconds
	tokNumber
)

func classify(tok string) tokenKind {
	switch {
	case len(tok) > 1 && strings.HasPrefix(tok, "@"):
		return tokTarget
	case hoursAgoRe.MatchString(tok):
		return tokHours
	case secondsAgoRe.MatchString(tok):
		return tokSeconds
	case digitsRe.MatchString(tok):
		return tokNumber
	}
	return tokFree
}

// ParseCommand classifies the tokens after the command word. Token order does
// not matter, except that the token right after @<name> is the password when
// it is free text.
func ParseCommand(tokens []string, now time.Time) Command {
	cmd := Command{Limit: store.DefaultLimit}
	var free []string

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch classify(tok) {
		case tokTarget:
			cmd.Target = tok[1:]
			if i+1 < len(tokens) && classify(tokens[i+1]) == tokFree {
				cmd.Password = tokens[i+1]
				i++
			}
		case tokHours:
			n, err := strconv.ParseInt(hoursAgoRe.FindStringSubmatch(tok)[1], 10, 64)
			if err != nil {
				free = append(free, tok)
				continue
			}
			cmd.Since = now.Unix() - n*3600
		case tokSeconds:
			n, err := strconv.ParseInt(tok, 10, 64)
			if err != nil {
				free = append(free, tok)
				continue
			}
			cmd.Since = now.Unix() + n
		case tokNumber:
			n, err := strconv.ParseInt(tok, 10, 64)
			if err != nil {
				free = append(free, tok)
				continue
			}
			if n > timestampThreshold {
				cmd.Since = n
			} else {
				cmd.Limit = int(n)
			}
		default:
			free = append(free, tok)
		}
	}

	cmd.CustomPrompt = strings.TrimSpace(strings.Join(free, " "))
	return cmd
}
