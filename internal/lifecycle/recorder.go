package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"telephony-gateway/internal/calls"
)

var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// Recorder persists every state change the call manager reports.
//
// Callers treat recording as best-effort: a failed write is logged by the
// manager and never blocks the call.
type Recorder struct {
	repo    Repository
	log     *slog.Logger
	timeout time.Duration
	clock   func() time.Time
}

func NewRecorder(repo Repository, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{repo: repo, log: log, timeout: 5 * time.Second, clock: time.Now}
}

var _ calls.TransitionSink = (*Recorder)(nil)

func (r *Recorder) Record(ctx context.Context, s calls.CallSession, t calls.Transition) error {
	if r.repo == nil {
		return errors.New("lifecycle: repository not configured")
	}
	if t.CallID == "" || t.To == "" {
		return ErrInvalidTransition
	}
	if s.CallID != t.CallID {
		return fmt.Errorf("%w: snapshot %q does not match transition %q", ErrInvalidTransition, s.CallID, t.CallID)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.At.IsZero() {
		t.At = r.clock().UTC()
	}

	// The session context may already be cancelled when the final transition
	// is written during teardown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.repo.Save(ctx, s, t); err != nil {
		return fmt.Errorf("lifecycle: save %s->%s for %s: %w", t.From, t.To, t.CallID, err)
	}
	r.log.Debug("lifecycle recorded", "call_id", t.CallID, "to", t.To)
	return nil
}

// Session returns the last persisted snapshot, including calls the manager
// has already garbage collected.
func (r *Recorder) Session(ctx context.Context, callID string) (calls.CallSession, error) {
	return r.repo.Session(ctx, callID)
}

func (r *Recorder) Transitions(ctx context.Context, callID string) ([]calls.Transition, error) {
	return r.repo.Transitions(ctx, callID)
}
