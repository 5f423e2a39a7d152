// Package inbox is the inbound transport boundary. Messages carry an
// at-least-once delivery id; the inbox absorbs redeliveries, decodes the
// command and queues it for the scheduler.
//
// A delivery id is recorded in the ledger only after a tick has applied its
// command, and Flush blocks until that has happened for everything received.
// The transport commits its position after Flush returns, so a crash before
// the apply leaves the message to be redelivered instead of lost.
package inbox

//go:generate mockgen -source=inbox.go -destination=mocks/mocks.go -package=mocks Ledger,Submitter

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"idgraph/internal/commands"
	"idgraph/internal/platform/metrics"
	dErrors "idgraph/pkg/domain-errors"
	"idgraph/pkg/requestcontext"
)

// Ledger remembers applied delivery ids.
type Ledger interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key string) (bool, error)
}

// Submitter queues a command and reports its outcome once it was applied.
type Submitter interface {
	SubmitTracked(cmd commands.Command) <-chan error
}

// Message is one inbound delivery.
type Message struct {
	ID   string
	Body []byte
}

type inflight struct {
	messageID string
	kind      commands.Kind
	done      <-chan error
}

type Inbox struct {
	ledger    Ledger
	submitter Submitter
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	pending []inflight
	ids     map[string]struct{}
}

type Option func(*Inbox)

func WithLogger(logger *slog.Logger) Option {
	return func(i *Inbox) { i.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Inbox) { i.metrics = m }
}

func New(ledger Ledger, submitter Submitter, opts ...Option) *Inbox {
	i := &Inbox{ledger: ledger, submitter: submitter, ids: map[string]struct{}{}}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Receive decodes msg and queues its command unless msg.ID was applied
// before or is still waiting for a tick. Redeliveries return nil: they are
// logged and counted, not surfaced to the transport as failures. Malformed
// messages are CodeInvalidInput and are never recorded.
func (i *Inbox) Receive(ctx context.Context, msg Message) error {
	messageID := strings.TrimSpace(msg.ID)
	if messageID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "message id is required")
	}
	ctx = requestcontext.WithMessageID(ctx, messageID)

	cmd, err := commands.Decode(msg.Body)
	if err != nil {
		i.log(ctx, slog.LevelWarn, "inbox_message_rejected", "error", err)
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	duplicate := false
	if _, ok := i.ids[messageID]; ok {
		duplicate = true
	} else if duplicate, err = i.ledger.Seen(ctx, messageID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check message id")
	}
	if duplicate {
		i.metrics.IncrementDuplicate()
		i.log(ctx, slog.LevelInfo, "inbox_duplicate_absorbed",
			"kind", string(cmd.Kind()),
			"code", string(dErrors.CodeDuplicateEvent))
		return nil
	}

	done := i.submitter.SubmitTracked(cmd)
	i.ids[messageID] = struct{}{}
	i.pending = append(i.pending, inflight{messageID: messageID, kind: cmd.Kind(), done: done})
	i.log(ctx, slog.LevelDebug, "inbox_command_queued", "kind", string(cmd.Kind()))
	return nil
}

// Flush waits until every received command has been applied and records
// its delivery id. Rejected commands count as applied. It returns early
// with ctx's error, leaving the rest in flight for a later Flush.
func (i *Inbox) Flush(ctx context.Context) error {
	for {
		i.mu.Lock()
		if len(i.pending) == 0 {
			i.mu.Unlock()
			return nil
		}
		next := i.pending[0]
		i.mu.Unlock()

		var outcome error
		select {
		case outcome = <-next.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		mctx := requestcontext.WithMessageID(ctx, next.messageID)
		if outcome != nil {
			i.log(mctx, slog.LevelDebug, "inbox_command_rejected",
				"kind", string(next.kind),
				"code", string(dErrors.CodeOf(outcome)))
		}
		_, err := i.ledger.MarkSeen(mctx, next.messageID)

		i.mu.Lock()
		i.pending = i.pending[1:]
		delete(i.ids, next.messageID)
		i.mu.Unlock()
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record message id")
		}
	}
}

// InFlight reports how many received commands wait for Flush.
func (i *Inbox) InFlight() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

func (i *Inbox) log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	if i.logger == nil {
		return
	}
	i.logger.Log(ctx, level, msg, requestcontext.LogAttrs(ctx, attrs)...)
}
