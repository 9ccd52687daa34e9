package summary

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stellarlinkco/chatsum/internal/store"
)

const (
	// charsPerToken approximates a token budget as a character budget.
	charsPerToken = 4
	lineSeparator = "\n\n"
	triggeredMark = " <T>"
	timeLayout    = "2006-01-02 15:04:05"
)

func formatLine(r store.Record, loc *time.Location) string {
	content := r.Content
	if r.Type == store.TypeImage || r.Type == store.TypeVoice {
		content = "[" + r.Type + "]"
	}
	line := fmt.Sprintf("[%s] %s: \"%s\"", time.Unix(r.Timestamp, 0).In(loc).Format(timeLayout), r.Sender, content)
	if r.IsTriggered {
		line += triggeredMark
	}
	return line
}

// lineCost counts characters plus the separator.
func lineCost(line string) int {
	return utf8.RuneCountInString(line) + len(lineSeparator)
}

// budgetLines walks records newest first and keeps lines until the next one
// would push the total over maxChars. The result is oldest first.
func budgetLines(newestFirst []store.Record, maxChars int, loc *time.Location) []string {
	var (
		kept  []string
		total int
	)
	for _, r := range newestFirst {
		line := formatLine(r, loc)
		cost := lineCost(line)
		if total+cost > maxChars {
			break
		}
		kept = append(kept, line)
		total += cost
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// chunkLines splits oldest-first lines into chunks of at most maxChars each,
// consuming the oldest lines first. A single oversized line forms its own
// chunk. The second return value counts lines left out past maxChunks.
func chunkLines(lines []string, maxChars, maxChunks int) ([]string, int) {
	var (
		chunks []string
		cur    []string
		total  int
	)
	for i, line := range lines {
		cost := lineCost(line)
		if len(cur) > 0 && total+cost > maxChars {
			chunks = append(chunks, strings.Join(cur, lineSeparator))
			cur, total = nil, 0
			if maxChunks > 0 && len(chunks) == maxChunks {
				return chunks, len(lines) - i
			}
		}
		cur = append(cur, line)
		total += cost
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, lineSeparator))
	}
	return chunks, 0
}
