package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/chatsum/internal/log"
	"github.com/stellarlinkco/chatsum/internal/store"
)

// User-visible failures. Each one ends the request without side effects.
var (
	ErrNoRecords       = errors.New("没有找到聊天记录")
	ErrSummaryFailed   = errors.New("总结失败")
	ErrCrossFromGroup  = errors.New("跨会话总结只能在私聊中使用")
	ErrNoPassword      = errors.New("未配置访问密码")
	ErrWrongPassword   = errors.New("密码错误")
	ErrUnknownSession  = errors.New("目标会话不存在")
	errEmptyTranscript = errors.New("transcript is empty")
)

// Completer is a single-turn chat completion.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// RecordReader is the read side of the record store.
type RecordReader interface {
	Query(ctx context.Context, q store.Query) ([]store.Record, error)
	ResolveSession(ctx context.Context, nameOrID string) (string, bool, error)
}

type Options struct {
	MaxInputTokens int
	ChunkMaxTokens int
	MaxChunks      int
	Password       string
	Prompt         string
	Location       *time.Location
}

// Request asks for a summary of SessionID. Group is nil when the caller does
// not know the session kind (scheduled digests).
type Request struct {
	SessionID string
	Group     *bool
	Args      []string
	Now       time.Time
}

// Plan is a loaded and budgeted request, ready to be summarized here or
// handed to another generator.
type Plan struct {
	SessionID string
	Command   Command
	System    string
	Chunks    []string
	Records   int
}

// Prompt joins the system prompt and every chunk into one user message.
func (p *Plan) Prompt() string {
	return p.System + "\n\n" + strings.Join(p.Chunks, lineSeparator)
}

type Summarizer struct {
	records RecordReader
	llm     Completer
	opts    Options
}

func NewSummarizer(records RecordReader, llm Completer, opts Options) *Summarizer {
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Summarizer{records: records, llm: llm, opts: opts}
}

// Prepare runs the parse, authorize, load and budget stages.
func (s *Summarizer) Prepare(ctx context.Context, req Request) (*Plan, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	cmd := ParseCommand(req.Args, now)

	sessionID := req.SessionID
	group := req.Group
	if cmd.CrossSession() {
		id, err := s.authorize(ctx, req, cmd)
		if err != nil {
			return nil, err
		}
		sessionID = id
		group = nil
	}

	// An explicit count of zero selects nothing; the store would read it as
	// "no limit".
	if cmd.Limit <= 0 {
		return nil, ErrNoRecords
	}

	records, err := s.records.Query(ctx, store.Query{
		SessionID: sessionID,
		Since:     cmd.Since,
		Limit:     cmd.Limit,
		Group:     group,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSummaryFailed, err)
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	lines := budgetLines(records, s.opts.MaxInputTokens*charsPerToken, s.opts.Location)
	if len(lines) < len(records) {
		log.Infof("[summary] input limit reached, kept %d of %d records", len(lines), len(records))
	}
	chunks, dropped := chunkLines(lines, s.opts.ChunkMaxTokens*charsPerToken, s.opts.MaxChunks)
	if dropped > 0 {
		log.Warnf("[summary] %s: %d newest lines exceed %d chunks and are left out", sessionID, dropped, s.opts.MaxChunks)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrSummaryFailed, errEmptyTranscript)
	}

	return &Plan{
		SessionID: sessionID,
		Command:   cmd,
		System:    renderPrompt(s.opts.Prompt, cmd.CustomPrompt),
		Chunks:    chunks,
		Records:   len(lines),
	}, nil
}

// Summarize runs every stage and returns the chunk summaries joined by blank
// lines. Chunks whose call fails are skipped; if all fail ErrSummaryFailed is
// returned.
func (s *Summarizer) Summarize(ctx context.Context, req Request) (string, error) {
	plan, err := s.Prepare(ctx, req)
	if err != nil {
		return "", err
	}

	var (
		parts   []string
		lastErr error
	)
	for i, chunk := range plan.Chunks {
		text, err := s.llm.Complete(ctx, plan.System, chunk)
		if err != nil {
			log.Errorf("[summary] chunk %d/%d of %s: %v", i+1, len(plan.Chunks), plan.SessionID, err)
			lastErr = err
			continue
		}
		parts = append(parts, strings.TrimSpace(text))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: %w", ErrSummaryFailed, lastErr)
	}
	log.Infof("[summary] summarized %d records of %s in %d chunk(s)", plan.Records, plan.SessionID, len(plan.Chunks))
	return strings.Join(parts, lineSeparator), nil
}

func (s *Summarizer) authorize(ctx context.Context, req Request, cmd Command) (string, error) {
	if req.Group != nil && *req.Group {
		return "", ErrCrossFromGroup
	}
	if s.opts.Password == "" {
		return "", ErrNoPassword
	}
	if cmd.Password != s.opts.Password {
		return "", ErrWrongPassword
	}
	id, ok, err := s.records.ResolveSession(ctx, cmd.Target)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSummaryFailed, err)
	}
	if !ok {
		return "", ErrUnknownSession
	}
	return id, nil
}

// UserMessage maps err to the text shown in chat.
func UserMessage(err error) string {
	for _, known := range []error{ErrNoRecords, ErrCrossFromGroup, ErrNoPassword, ErrWrongPassword, ErrUnknownSession} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return ErrSummaryFailed.Error()
}
