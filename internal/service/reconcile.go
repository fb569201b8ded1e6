package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sakif/roomspace/internal/metrics"
	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/realtime"
	"github.com/sakif/roomspace/internal/repository"
)

// ReconcileReport counts what a reconcile pass repaired.
type ReconcileReport struct {
	// DroppedMembers are member entries whose user is missing or whose
	// roomId names another room.
	DroppedMembers int `json:"droppedMembers"`
	// ClearedReferences are user roomIds naming a missing room or a room
	// that does not list them.
	ClearedReferences int `json:"clearedReferences"`
	DeletedRooms      int `json:"deletedRooms"`
	PromotedCreators  int `json:"promotedCreators"`
}

// Repairs is the total number of fixes.
func (r *ReconcileReport) Repairs() int {
	return r.DroppedMembers + r.ClearedReferences + r.DeletedRooms + r.PromotedCreators
}

// Reconciler repairs records left inconsistent by clients that wrote the
// user and room sides of a membership change separately.
type Reconciler struct {
	store   repository.Store
	events  Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewReconciler(store repository.Store, events Publisher, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{store: store, events: events, logger: logger, metrics: m}
}

// Reconcile makes every room and user agree, in one transaction:
//   - a room keeps only members whose roomId names it
//   - a roomId naming a missing room, or a room not listing the user, is cleared
//   - a room left without members is deleted
//   - a room whose creator is not a member gets its earliest member as creator
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	var a announcer

	err := r.store.InTx(ctx, func(q repository.Queries) error {
		*report = ReconcileReport{}
		a = announcer{}

		users, err := q.ListUsers(ctx)
		if err != nil {
			return err
		}
		rooms, err := q.ListRooms(ctx)
		if err != nil {
			return err
		}

		byID := make(map[string]*model.User, len(users))
		for i := range users {
			byID[users[i].ID] = &users[i]
		}
		surviving := make(map[string]*model.Room, len(rooms))

		for i := range rooms {
			if err := ctx.Err(); err != nil {
				return err
			}
			room := &rooms[i]
			changed := false

			kept := make([]string, 0, len(room.Members))
			for _, memberID := range room.Members {
				if u, ok := byID[memberID]; ok && u.RoomID == room.ID {
					kept = append(kept, memberID)
					continue
				}
				if err := q.RemoveMember(ctx, room.ID, memberID); err != nil {
					return err
				}
				report.DroppedMembers++
				changed = true
			}
			room.Members = kept

			if len(kept) == 0 {
				if err := q.DeleteRoom(ctx, room.ID); err != nil {
					return err
				}
				report.DeletedRooms++
				a.room(room.ID, realtime.KindRoomDeleted, "")
				continue
			}
			if !room.HasMember(room.CreatorID) {
				room.CreatorID = kept[0]
				if err := q.UpdateRoom(ctx, room); err != nil {
					return err
				}
				report.PromotedCreators++
				changed = true
			}
			if changed {
				a.room(room.ID, realtime.KindRoomUpdated, "")
			}
			surviving[room.ID] = room
		}

		for i := range users {
			u := &users[i]
			if !u.InRoom() {
				continue
			}
			if room, ok := surviving[u.RoomID]; ok && room.HasMember(u.ID) {
				continue
			}
			u.RoomID = ""
			if err := q.UpdateUser(ctx, u); err != nil {
				return err
			}
			report.ClearedReferences++
			a.user(u.ID, realtime.KindUserUpdated)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("service/reconcile: %w", err)
	}

	a.flush(ctx, r.events)

	r.metrics.CountRepairs("dropped_member", report.DroppedMembers)
	r.metrics.CountRepairs("cleared_reference", report.ClearedReferences)
	r.metrics.CountRepairs("deleted_room", report.DeletedRooms)
	r.metrics.CountRepairs("promoted_creator", report.PromotedCreators)

	if report.Repairs() > 0 {
		r.logger.Warn("reconcile repaired inconsistencies",
			slog.Int("droppedMembers", report.DroppedMembers),
			slog.Int("clearedReferences", report.ClearedReferences),
			slog.Int("deletedRooms", report.DeletedRooms),
			slog.Int("promotedCreators", report.PromotedCreators),
		)
	}
	return report, nil
}

// Run reconciles immediately and then every interval until ctx is done.
// Failed passes are logged and retried at the next tick.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	r.runOnce(ctx)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reconcile failed", errAttr(err))
	}
}
