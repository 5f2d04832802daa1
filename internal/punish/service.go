package punish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"realm-steward/internal/modules/audit"
	"realm-steward/internal/storage"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

type Store interface {
	AddPunishment(ctx context.Context, p storage.Punishment) error
	GetPunishment(ctx context.Context, guildID, userID, kind string) (storage.Punishment, bool, error)
	DeletePunishment(ctx context.Context, guildID, userID, kind string) (bool, error)
	DeletePunishments(ctx context.Context, guildID, kind string) ([]storage.Punishment, error)
	ListTimedPunishments(ctx context.Context) ([]storage.Punishment, error)
}

// Actuator changes member roles through the chat gateway. Implementations
// return ErrActuatorPermissionDenied when the bot lacks hierarchy.
type Actuator interface {
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
	SetRoles(ctx context.Context, guildID, userID string, roleIDs []string) error
	MemberRoles(ctx context.Context, guildID, userID string) ([]string, error)
}

// RoleResolver returns the role backing a punishment kind in the guild.
type RoleResolver func(ctx context.Context, guildID string, kind Kind) (string, error)

type Action string

const (
	ActionIssued      Action = "issued"
	ActionExpired     Action = "expired"
	ActionLifted      Action = "lifted"
	ActionRoleLost    Action = "role_lost"
	ActionRoleDeleted Action = "role_deleted"
)

type Event struct {
	Action      Action
	Kind        Kind
	GuildID     string
	UserID      string
	ModeratorID string
	Reason      string
	DurationMs  int64
	EndsAt      time.Time
}

type Notifier interface {
	Notify(ctx context.Context, event Event)
}

type Options struct {
	RestoreConcurrency int
}

type IssueRequest struct {
	Kind        Kind
	GuildID     string
	UserID      string
	ModeratorID string
	Reason      string
	DurationMs  int64
}

// Result describes a completed lifecycle step. RoleErr is set when the
// bookkeeping succeeded but the role change may not have applied.
type Result struct {
	Punishment storage.Punishment
	RoleErr    error
}

type RecoveryStats struct {
	Expired   int
	Scheduled int
	Failed    int
}

type Service struct {
	store     Store
	actuator  Actuator
	roles     RoleResolver
	scheduler *Scheduler
	audit     *audit.Logger
	notifier  Notifier
	logger    *zap.Logger
	opts      Options
}

func NewService(store Store, actuator Actuator, roles RoleResolver, scheduler *Scheduler, auditLogger *audit.Logger, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scheduler == nil {
		scheduler = NewScheduler()
	}
	if opts.RestoreConcurrency <= 0 {
		opts.RestoreConcurrency = 4
	}
	return &Service{
		store:     store,
		actuator:  actuator,
		roles:     roles,
		scheduler: scheduler,
		audit:     auditLogger,
		logger:    logger,
		opts:      opts,
	}
}

func (s *Service) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

func (s *Service) Scheduler() *Scheduler {
	return s.scheduler
}

// Issue persists a new punishment, applies its role and arms a timer when
// the punishment is finite. A store failure aborts before any role change.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (Result, error) {
	if !req.Kind.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	if err := ValidateDuration(req.DurationMs); err != nil {
		return Result{}, err
	}
	roleID, err := s.role(ctx, req.GuildID, req.Kind)
	if err != nil {
		return Result{}, err
	}

	_, found, err := s.store.GetPunishment(ctx, req.GuildID, req.UserID, string(req.Kind))
	if err != nil {
		return Result{}, err
	}
	if found {
		return Result{}, ErrAlreadyPunished
	}

	current, err := s.actuator.MemberRoles(ctx, req.GuildID, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrMemberNotFound, err)
	}
	var previous []string
	if req.Kind == KindSuspension {
		previous = without(current, roleID)
	} else if contains(current, roleID) {
		return Result{}, ErrAlreadyPunished
	}

	now := s.scheduler.Now()
	p := storage.Punishment{
		GuildID:         req.GuildID,
		UserID:          req.UserID,
		Kind:            string(req.Kind),
		ModeratorID:     req.ModeratorID,
		Reason:          req.Reason,
		DurationMs:      Indefinite,
		EndsAtMs:        Indefinite,
		PreviousRoleIDs: previous,
		CreatedAt:       now,
	}
	if req.DurationMs != Indefinite {
		p.DurationMs = req.DurationMs
		p.EndsAtMs = now.UnixMilli() + req.DurationMs
	}

	if err := s.store.AddPunishment(ctx, p); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return Result{}, ErrAlreadyPunished
		}
		return Result{}, err
	}

	result := Result{Punishment: p}
	if req.Kind == KindSuspension {
		result.RoleErr = s.actuator.SetRoles(ctx, req.GuildID, req.UserID, []string{roleID})
	} else {
		result.RoleErr = s.actuator.AddRole(ctx, req.GuildID, req.UserID, roleID)
	}
	if result.RoleErr != nil {
		s.logger.Warn("apply punishment role failed",
			zap.String("guild_id", req.GuildID),
			zap.String("user_id", req.UserID),
			zap.String("kind", string(req.Kind)),
			zap.Error(result.RoleErr),
		)
	}

	if !p.Indefinite() {
		if err := s.arm(p); err != nil {
			s.logger.Error("schedule punishment failed", zap.String("user_id", p.UserID), zap.Error(err))
		}
	}

	s.audit.Log(ctx, audit.LevelWarn, req.GuildID, req.UserID, string(req.Kind),
		fmt.Sprintf("moderator=%s duration=%s reason=%s", req.ModeratorID, FormatDuration(p.DurationMs), req.Reason))
	s.notify(ctx, ActionIssued, p)
	return result, nil
}

// Lift ends a punishment on a moderator's request.
func (s *Service) Lift(ctx context.Context, kind Kind, guildID, userID, moderatorID string) (Result, error) {
	if !kind.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	p, found, err := s.store.GetPunishment(ctx, guildID, userID, string(kind))
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, ErrNotPunished
	}

	deleted, err := s.store.DeletePunishment(ctx, guildID, userID, string(kind))
	if err != nil {
		return Result{}, err
	}
	s.scheduler.Cancel(kind, guildID, userID)
	if !deleted {
		return Result{}, ErrNotPunished
	}

	result := Result{Punishment: p}
	roleID, err := s.role(ctx, guildID, kind)
	if err != nil {
		result.RoleErr = err
	} else {
		result.RoleErr = s.revoke(ctx, p, roleID)
	}
	if result.RoleErr != nil {
		s.logger.Warn("revoke punishment role failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(result.RoleErr))
	}

	s.audit.Log(ctx, audit.LevelInfo, guildID, userID, "un"+string(kind), "moderator="+moderatorID)
	s.notify(ctx, ActionLifted, p)
	return result, nil
}

// HandleRoleLost settles the bookkeeping after someone else removed the
// punishment role. Suspended members still get their snapshot back.
func (s *Service) HandleRoleLost(ctx context.Context, kind Kind, guildID, userID string) error {
	p, found, err := s.store.GetPunishment(ctx, guildID, userID, string(kind))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if _, err := s.store.DeletePunishment(ctx, guildID, userID, string(kind)); err != nil {
		return err
	}
	s.scheduler.Cancel(kind, guildID, userID)

	if kind == KindSuspension && len(p.PreviousRoleIDs) > 0 {
		current, err := s.actuator.MemberRoles(ctx, guildID, userID)
		if err != nil {
			s.logger.Warn("load member roles failed", zap.String("user_id", userID), zap.Error(err))
		} else if err := s.actuator.SetRoles(ctx, guildID, userID, union(current, p.PreviousRoleIDs)); err != nil {
			s.logger.Warn("restore roles failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	s.audit.Log(ctx, audit.LevelInfo, guildID, userID, string(kind)+"_role_lost", "punishment role removed externally")
	s.notify(ctx, ActionRoleLost, p)
	return nil
}

// HandleRoleDeleted clears every punishment of kind in the guild after its
// role was deleted and returns how many were removed.
func (s *Service) HandleRoleDeleted(ctx context.Context, kind Kind, guildID string) (int, error) {
	cancelled := s.scheduler.CancelAll(kind, guildID)
	removed, err := s.store.DeletePunishments(ctx, guildID, string(kind))
	if err != nil {
		return 0, err
	}
	s.logger.Info("punishment role deleted",
		zap.String("guild_id", guildID),
		zap.String("kind", string(kind)),
		zap.Int("timers", len(cancelled)),
		zap.Int("records", len(removed)),
	)

	if kind == KindSuspension {
		p := pool.New().WithContext(ctx).WithMaxGoroutines(s.opts.RestoreConcurrency)
		for _, record := range removed {
			if len(record.PreviousRoleIDs) == 0 {
				continue
			}
			record := record
			p.Go(func(ctx context.Context) error {
				if err := s.actuator.SetRoles(ctx, guildID, record.UserID, record.PreviousRoleIDs); err != nil {
					s.logger.Warn("restore roles failed", zap.String("user_id", record.UserID), zap.Error(err))
				}
				return nil
			})
		}
		_ = p.Wait()
	}

	s.audit.Log(ctx, audit.LevelWarn, guildID, "", string(kind)+"_role_deleted", fmt.Sprintf("cleared=%d", len(removed)))
	for _, record := range removed {
		s.notify(ctx, ActionRoleDeleted, record)
	}
	return len(removed), nil
}

// Recover rebuilds the timers of every finite punishment from its persisted
// deadline. Deadlines already passed expire before Recover returns.
func (s *Service) Recover(ctx context.Context) (RecoveryStats, error) {
	var stats RecoveryStats
	records, err := s.store.ListTimedPunishments(ctx)
	if err != nil {
		return stats, err
	}

	nowMs := s.scheduler.Now().UnixMilli()
	for _, p := range records {
		if !Kind(p.Kind).Valid() {
			stats.Failed++
			continue
		}
		if p.EndsAtMs <= nowMs {
			s.expire(ctx, p)
			stats.Expired++
			continue
		}
		if err := s.arm(p); err != nil {
			s.logger.Error("reschedule punishment failed", zap.String("guild_id", p.GuildID), zap.String("user_id", p.UserID), zap.Error(err))
			stats.Failed++
			continue
		}
		stats.Scheduled++
	}

	s.logger.Info("punishment timers recovered",
		zap.Int("expired", stats.Expired),
		zap.Int("scheduled", stats.Scheduled),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

func (s *Service) arm(p storage.Punishment) error {
	delay := time.Duration(p.EndsAtMs-s.scheduler.Now().UnixMilli()) * time.Millisecond
	return s.scheduler.Schedule(Kind(p.Kind), p.GuildID, p.UserID, delay, func() {
		s.expire(context.Background(), p)
	})
}

// expire ends a punishment whose deadline passed. The record is deleted
// before the role is revoked, so the gateway echo of the removal finds
// nothing left to settle. A panic before that point still deletes it.
func (s *Service) expire(ctx context.Context, p storage.Punishment) {
	kind := Kind(p.Kind)
	logger := s.logger.With(zap.String("guild_id", p.GuildID), zap.String("user_id", p.UserID), zap.String("kind", p.Kind))

	pending := true
	defer func() {
		if r := recover(); r != nil {
			logger.Error("expire punishment panicked", zap.Any("panic", r))
		}
		if !pending {
			return
		}
		if _, err := s.store.DeletePunishment(ctx, p.GuildID, p.UserID, p.Kind); err != nil {
			logger.Error("delete expired punishment failed", zap.Error(err))
		}
	}()

	// a lifted or reissued punishment is no longer ours to expire
	current, found, err := s.store.GetPunishment(ctx, p.GuildID, p.UserID, p.Kind)
	if err != nil {
		logger.Warn("reload punishment failed", zap.Error(err))
	} else if !found || current.CreatedAt.UnixMilli() != p.CreatedAt.UnixMilli() {
		pending = false
		return
	}

	if _, err := s.store.DeletePunishment(ctx, p.GuildID, p.UserID, p.Kind); err != nil {
		logger.Error("delete expired punishment failed", zap.Error(err))
	} else {
		pending = false
	}

	roleID, err := s.role(ctx, p.GuildID, kind)
	if err != nil {
		logger.Warn("resolve punishment role failed", zap.Error(err))
	} else if s.hasRole(ctx, p.GuildID, p.UserID, roleID) {
		if err := s.revoke(ctx, p, roleID); err != nil {
			logger.Warn("revoke expired punishment failed", zap.Error(err))
		}
	}

	s.audit.Log(ctx, audit.LevelInfo, p.GuildID, p.UserID, string(kind)+"_expired", "duration="+FormatDuration(p.DurationMs))
	s.notify(ctx, ActionExpired, p)
}

// revoke removes the punishment role. Suspensions replace the member's
// roles with the snapshot in a single call.
func (s *Service) revoke(ctx context.Context, p storage.Punishment, roleID string) error {
	if Kind(p.Kind) != KindSuspension {
		return s.actuator.RemoveRole(ctx, p.GuildID, p.UserID, roleID)
	}
	current, err := s.actuator.MemberRoles(ctx, p.GuildID, p.UserID)
	if err != nil {
		return err
	}
	return s.actuator.SetRoles(ctx, p.GuildID, p.UserID, union(without(current, roleID), p.PreviousRoleIDs))
}

func (s *Service) role(ctx context.Context, guildID string, kind Kind) (string, error) {
	if s.roles == nil {
		return "", ErrRoleNotConfigured
	}
	roleID, err := s.roles(ctx, guildID, kind)
	if err != nil {
		return "", err
	}
	if roleID == "" {
		return "", ErrRoleNotConfigured
	}
	return roleID, nil
}

func (s *Service) hasRole(ctx context.Context, guildID, userID, roleID string) bool {
	roles, err := s.actuator.MemberRoles(ctx, guildID, userID)
	if err != nil {
		s.logger.Debug("load member roles failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return contains(roles, roleID)
}

func (s *Service) notify(ctx context.Context, action Action, p storage.Punishment) {
	if s.notifier == nil {
		return
	}
	event := Event{
		Action:      action,
		Kind:        Kind(p.Kind),
		GuildID:     p.GuildID,
		UserID:      p.UserID,
		ModeratorID: p.ModeratorID,
		Reason:      p.Reason,
		DurationMs:  p.DurationMs,
	}
	if p.EndsAtMs != Indefinite {
		event.EndsAt = time.UnixMilli(p.EndsAtMs)
	}
	s.notifier.Notify(ctx, event)
}

func contains(roles []string, target string) bool {
	for _, id := range roles {
		if id == target {
			return true
		}
	}
	return false
}

func without(roles []string, drop string) []string {
	out := make([]string, 0, len(roles))
	for _, id := range roles {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
