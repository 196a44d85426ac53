package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/careerdesk/counselor/internal/apperr"
	"github.com/careerdesk/counselor/internal/events"
	"github.com/careerdesk/counselor/internal/store"
	"github.com/careerdesk/counselor/internal/usage"
)

// CreateUser registers a new identity.
func (o *Orchestrator) CreateUser(ctx context.Context, userID string) (*store.User, error) {
	u, err := o.store.CreateUser(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	o.logger.Info("user created", "user_id", u.ID)
	return u, nil
}

// FindUser returns the user with its thread ids.
func (o *Orchestrator) FindUser(ctx context.Context, userID string) (*store.User, error) {
	return o.store.GetUser(ctx, userID)
}

// ListUsers returns every user.
func (o *Orchestrator) ListUsers(ctx context.Context) ([]store.User, error) {
	return o.store.ListUsers(ctx)
}

// DeleteUser removes the identity and all of its threads, abandoning
// any run still in flight on them. Exchanges are kept.
func (o *Orchestrator) DeleteUser(ctx context.Context, userID string) error {
	threads, err := o.store.DeleteUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, threadID := range threads {
		o.threadGone(ctx, userID, threadID, "user deleted")
	}
	o.logger.Info("user deleted", "user_id", userID, "threads", len(threads))
	return nil
}

// CreateThread opens a new engine thread and attaches it to the user.
func (o *Orchestrator) CreateThread(ctx context.Context, userID string) (*store.Thread, error) {
	if _, err := o.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	threadID, err := o.engine.CreateThread(ctx)
	if err != nil {
		return nil, err
	}
	t, err := o.store.AttachThread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	o.logger.Info("thread created", "user_id", userID, "thread_id", threadID)
	return t, nil
}

// ListThreads returns the user's thread ids in creation order.
func (o *Orchestrator) ListThreads(ctx context.Context, userID string) ([]string, error) {
	return o.store.ListUserThreads(ctx, userID)
}

// DeleteThread detaches the thread from the user and abandons its
// unresolved run. Exchanges produced on it are kept.
func (o *Orchestrator) DeleteThread(ctx context.Context, userID, threadID string) error {
	if err := o.store.DetachThread(ctx, userID, threadID); err != nil {
		return err
	}
	o.threadGone(ctx, userID, threadID, "thread deleted")
	o.logger.Info("thread deleted", "user_id", userID, "thread_id", threadID)
	return nil
}

// ListUserExchanges returns every persisted exchange of the user.
func (o *Orchestrator) ListUserExchanges(ctx context.Context, userID string) ([]store.Exchange, error) {
	if _, err := o.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return o.store.ListUserExchanges(ctx, userID)
}

// ThreadHistory returns the persisted exchanges of one thread in order.
func (o *Orchestrator) ThreadHistory(ctx context.Context, userID, threadID string) ([]store.Exchange, error) {
	return o.store.ThreadHistory(ctx, userID, threadID)
}

// UsageReport is a user's token consumption over a window.
type UsageReport struct {
	UserID  string                    `json:"user_id"`
	Since   time.Time                 `json:"since"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
}

// UserUsage totals the usage of userID's runs recorded since since.
func (o *Orchestrator) UserUsage(ctx context.Context, userID string, since time.Time) (*UsageReport, error) {
	if o.usage == nil {
		return nil, apperr.E(apperr.ErrNotFound, "usage accounting is not enabled")
	}
	if _, err := o.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	end := time.Now().Add(time.Minute)
	total, err := o.usage.Summary(ctx, userID, since, end)
	if err != nil {
		return nil, err
	}
	byModel, err := o.usage.SummaryByModel(ctx, userID, since, end)
	if err != nil {
		return nil, err
	}
	return &UsageReport{UserID: userID, Since: since, Total: total, ByModel: byModel}, nil
}

func (o *Orchestrator) threadGone(ctx context.Context, userID, threadID, reason string) {
	abandoned, err := o.poller.AbandonThread(ctx, threadID, reason)
	if err != nil {
		o.logger.Error("abandon runs failed", "thread_id", threadID, "error", err)
	}
	o.bus.Emit(events.SourceOrchestrator, events.KindThreadDeleted, map[string]any{
		"user_id":   userID,
		"thread_id": threadID,
		"reason":    reason,
		"abandoned": len(abandoned),
	})
}
