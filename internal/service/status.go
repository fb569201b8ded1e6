package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sakif/roomspace/internal/apperror"
	"github.com/sakif/roomspace/internal/metrics"
	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/realtime"
	"github.com/sakif/roomspace/internal/repository"
)

// StatusTracker records whether users are home or away.
type StatusTracker struct {
	store   repository.Store
	events  Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
	retry   RetryPolicy
}

func NewStatusTracker(store repository.Store, events Publisher, logger *slog.Logger, m *metrics.Metrics) *StatusTracker {
	return &StatusTracker{store: store, events: events, logger: logger, metrics: m, retry: DefaultRetryPolicy}
}

// SetStatus stores "home" or "away" (any letter case) and returns the
// updated user. Other values are InvalidArgument.
func (t *StatusTracker) SetStatus(ctx context.Context, userID, status string) (*model.User, error) {
	s, err := model.ParseStatus(status)
	if err != nil {
		err = apperror.InvalidArgument("status", fmt.Sprintf("status must be %q or %q", model.StatusHome, model.StatusAway))
		t.metrics.ObserveOp("set_status", err)
		return nil, err
	}
	return t.write(ctx, "set_status", userID, s)
}

// ApplyGeofenceEvent turns a device region transition into a status change:
// ENTER sets home, EXIT sets away.
func (t *StatusTracker) ApplyGeofenceEvent(ctx context.Context, userID string, ev model.GeofenceEvent) (*model.User, error) {
	s, err := model.StatusForGeofence(ev)
	if err != nil {
		err = apperror.InvalidArgument("event", fmt.Sprintf("geofence event must be %s or %s", model.GeofenceEnter, model.GeofenceExit))
		t.metrics.ObserveOp("geofence", err)
		return nil, err
	}
	return t.write(ctx, "geofence", userID, s)
}

func (t *StatusTracker) GetStatus(ctx context.Context, userID string) (model.Status, error) {
	if userID == "" {
		return "", apperror.InvalidArgument("userId", "a user id is required")
	}
	user, err := retryRead(ctx, t.retry, func() (*model.User, error) {
		return t.store.GetUser(ctx, userID)
	})
	if err != nil {
		return "", fmt.Errorf("service/status: reading status of %s: %w", userID, err)
	}
	return user.Status, nil
}

func (t *StatusTracker) write(ctx context.Context, op, userID string, s model.Status) (user *model.User, err error) {
	defer func() { t.metrics.ObserveOp(op, err) }()

	if userID == "" {
		return nil, apperror.InvalidArgument("userId", "a user id is required")
	}

	changed := false
	err = t.store.InTx(ctx, func(q repository.Queries) error {
		var err error
		user, err = q.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.Status == s {
			return nil
		}
		user.Status = s
		changed = true
		return q.UpdateUser(ctx, user)
	})
	if err != nil {
		return nil, fmt.Errorf("service/status: setting status of %s: %w", userID, err)
	}
	if !changed {
		return user, nil
	}

	var a announcer
	a.user(userID, realtime.KindUserUpdated)
	if user.InRoom() {
		a.room(user.RoomID, realtime.KindUserUpdated, userID)
	}
	a.flush(ctx, t.events)

	t.logger.Debug("status changed", slog.String("userID", userID), slog.String("status", string(s)))
	return user, nil
}
