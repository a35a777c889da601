package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/voxline/services/backend/internal/models"
)

var ErrDuplicate = errors.New("duplicate provider callback")

// Publisher fans an event out to dashboards.
type Publisher interface {
	Publish(ctx context.Context, evt models.CallEvent) error
}

// Recorder persists events.
type Recorder interface {
	Record(ctx context.Context, evt models.CallEvent) error
}

// Deduper remembers recently processed callbacks.
type Deduper interface {
	FirstSeen(ctx context.Context, key string, window time.Duration) bool
}

// Archiver keeps raw bodies that failed to parse.
type Archiver interface {
	Archive(ctx context.Context, provider, contentType string, body []byte) (string, error)
}

type PipelineOptions struct {
	Recorder    Recorder
	Deduper     Deduper
	DedupWindow time.Duration
	Archiver    Archiver
	// Timeout bounds one event's processing. Default 10s.
	Timeout time.Duration
}

// Pipeline processes webhooks after the HTTP response has been sent.
// Submitted work runs under the pipeline's lifecycle context; Wait blocks
// until it has drained.
type Pipeline struct {
	ctx        context.Context
	normalizer *Normalizer
	publisher  Publisher
	opts       PipelineOptions

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPipeline(ctx context.Context, normalizer *Normalizer, publisher Publisher, opts PipelineOptions) *Pipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Pipeline{
		ctx:        ctx,
		normalizer: normalizer,
		publisher:  publisher,
		opts:       opts,
	}
}

// Submit processes in asynchronously. After Close, or once the lifecycle
// context is done, the webhook is dropped.
func (p *Pipeline) Submit(in Inbound) {
	p.mu.Lock()
	if p.closed || p.ctx.Err() != nil {
		p.mu.Unlock()
		log.WithField("provider", in.Provider).Warn("Pipeline closed, webhook dropped")
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(p.ctx, p.opts.Timeout)
		defer cancel()

		p.Process(ctx, in)
	}()
}

// Wait blocks until all submitted webhooks are processed.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close stops accepting webhooks and waits for the ones in flight.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
}

// Process runs one webhook through archive, normalize, dedup, record and
// publish. Failures are logged and returned; none of them propagate to the
// provider.
func (p *Pipeline) Process(ctx context.Context, in Inbound) (models.CallEvent, error) {
	entry := log.WithField("provider", in.Provider)

	if in.Payload != nil && in.Payload.Err != nil {
		p.archive(ctx, entry, in)
	}

	evt, err := p.normalizer.Normalize(ctx, in)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEvent) {
			entry.WithError(err).Debug("Webhook ignored")
		} else {
			entry.WithError(err).Warn("Webhook event dropped")
		}
		return models.CallEvent{}, err
	}

	entry = entry.WithFields(logrus.Fields{
		"call_id":    evt.ExternalCallID,
		"status":     evt.Status,
		"account_id": evt.AccountID,
	})

	if p.opts.Deduper != nil && !p.opts.Deduper.FirstSeen(ctx, evt.DedupKey(), p.opts.DedupWindow) {
		entry.Debug("Duplicate callback skipped")
		return evt, ErrDuplicate
	}

	if p.opts.Recorder != nil {
		if err := p.opts.Recorder.Record(ctx, evt); err != nil {
			entry.WithError(err).Warn("Failed to record call event")
		}
	}

	if err := p.publisher.Publish(ctx, evt); err != nil {
		entry.WithError(err).Warn("Failed to publish call event")
		return evt, err
	}

	entry.Info("Call event relayed")
	return evt, nil
}

func (p *Pipeline) archive(ctx context.Context, entry *logrus.Entry, in Inbound) {
	if p.opts.Archiver == nil || len(in.Payload.Raw) == 0 {
		return
	}
	key, err := p.opts.Archiver.Archive(ctx, in.Provider, in.Payload.ContentType, in.Payload.Raw)
	if err != nil {
		entry.WithError(err).Warn("Failed to archive malformed webhook")
		return
	}
	entry.WithField("key", key).Info("Archived malformed webhook")
}
