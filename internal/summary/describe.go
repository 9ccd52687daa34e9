package summary

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/stellarlinkco/chatsum/internal/log"
	"github.com/stellarlinkco/chatsum/internal/store"
)

const (
	// DescriptionPrefix marks records produced by the image describer.
	DescriptionPrefix = "[图片描述]"

	describeTimeout = 60 * time.Second
	closeTimeout    = 10 * time.Second
)

// Vision describes one image given as a URL or data URL.
type Vision interface {
	Describe(ctx context.Context, imageURL, prompt string) (string, error)
}

// RecordWriter is the write side of the record store.
type RecordWriter interface {
	Insert(ctx context.Context, rec store.Record) error
}

// ImageTask describes the image at Path and stores the text under Record's
// session and message id.
type ImageTask struct {
	Record store.Record
	Path   string
}

type DescriberOptions struct {
	Workers    int
	MaxPending int
	Prompt     string
	ScratchDir string
	Timeout    time.Duration
}

// Describer runs image descriptions on a fixed-size ants pool. At most
// MaxPending tasks are outstanding; further submissions are dropped.
type Describer struct {
	vision  Vision
	records RecordWriter
	opts    DescriberOptions

	pool    *ants.PoolWithFunc
	pending atomic.Int64
	wg      sync.WaitGroup

	// mu orders wg.Add in Submit against wg.Wait in Close.
	mu     sync.Mutex
	closed bool
}

func NewDescriber(vision Vision, records RecordWriter, opts DescriberOptions) (*Describer, error) {
	if opts.Workers <= 0 {
		return nil, errors.New("describer: workers must be greater than 0")
	}
	if opts.MaxPending < opts.Workers {
		opts.MaxPending = opts.Workers
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultImagePrompt
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = filepath.Join(os.TempDir(), "chatsum-images")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = describeTimeout
	}
	if err := os.MkdirAll(opts.ScratchDir, 0755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	d := &Describer{vision: vision, records: records, opts: opts}
	pool, err := ants.NewPoolWithFunc(opts.Workers, func(arg any) {
		task, ok := arg.(ImageTask)
		if !ok {
			panic("describer pool args type error")
		}
		defer d.done()
		if err := d.run(context.Background(), task); err != nil {
			log.Errorf("[summary] describe image %s (%s/%d): %v", task.Path, task.Record.SessionID, task.Record.MsgID, err)
			return
		}
		log.Infof("[summary] described image %s/%d", task.Record.SessionID, task.Record.MsgID)
	}, ants.WithPanicHandler(func(p any) {
		log.Errorf("[summary] describer task panic: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create describer pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Submit queues task without blocking. It reports false when the describer is
// closed or the outstanding limit is reached.
func (d *Describer) Submit(task ImageTask) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if n := d.pending.Load(); n >= int64(d.opts.MaxPending) {
		d.mu.Unlock()
		log.Warnf("[summary] %d image descriptions outstanding, dropping %s/%d", n, task.Record.SessionID, task.Record.MsgID)
		return false
	}
	d.pending.Add(1)
	d.wg.Add(1)
	d.mu.Unlock()

	// Invoke blocks while all workers are busy; the pending cap bounds how
	// many of these goroutines exist.
	go func() {
		if err := d.pool.Invoke(task); err != nil {
			log.Warnf("[summary] submit image %s/%d: %v", task.Record.SessionID, task.Record.MsgID, err)
			d.done()
		}
	}()
	return true
}

// Pending reports the number of outstanding tasks.
func (d *Describer) Pending() int {
	return int(d.pending.Load())
}

func (d *Describer) done() {
	d.pending.Add(-1)
	d.wg.Done()
}

func (d *Describer) run(ctx context.Context, task ImageTask) error {
	if _, err := os.Stat(task.Path); err != nil {
		return fmt.Errorf("source image unavailable: %w", err)
	}

	scratch, err := d.copyToScratch(task.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			log.Warnf("[summary] remove scratch %s: %v", scratch, err)
		}
	}()

	data, err := prepareImage(scratch)
	if err != nil {
		return err
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	text, err := d.vision.Describe(ctx, dataURL, d.opts.Prompt)
	if err != nil {
		return fmt.Errorf("multimodal call: %w", err)
	}

	rec := task.Record
	rec.Content = DescriptionPrefix + text
	rec.Type = store.TypeExplain
	rec.IsTriggered = false
	return d.records.Insert(ctx, rec)
}

func (d *Describer) copyToScratch(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open source image: %w", err)
	}
	defer in.Close()

	dst := filepath.Join(d.opts.ScratchDir, uuid.NewString()+filepath.Ext(src))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("copy to scratch: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("close scratch file: %w", err)
	}
	return dst, nil
}

// Close stops accepting tasks, waits up to ten seconds for outstanding ones
// and releases the pool.
func (d *Describer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(closeTimeout):
		log.Warnf("[summary] %d image descriptions still running at shutdown", d.Pending())
	}
	return d.pool.ReleaseTimeout(closeTimeout)
}
