package calllog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rentalconnect-realtime/internal/domain"
	"rentalconnect-realtime/pkg/constants"
	apperrors "rentalconnect-realtime/pkg/errors"
	"rentalconnect-realtime/pkg/logger"
)

// CallRepository persists call log records
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	FindOpen(ctx context.Context, userA, userB uuid.UUID) (*domain.Call, error)
	MarkAnswered(ctx context.Context, callID uuid.UUID, at time.Time) error
	End(ctx context.Context, callID uuid.UUID, reason string, at time.Time) error
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Call, error)
}

// Service derives a call log from the signaling frames the relay forwards.
// Peers negotiate directly, so the log only sees offer, answer and end-call;
// at most one open record exists per pair of users.
type Service struct {
	repo CallRepository
	log  *zap.Logger
	now  func() time.Time
}

// NewService creates a new call log service
func NewService(repo CallRepository) *Service {
	return &Service{
		repo: repo,
		log:  logger.Named("calllog"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// RecordOffer opens a ringing record. A second offer between the same pair
// (glare, or renegotiation) reuses the open record.
func (s *Service) RecordOffer(ctx context.Context, callerID, calleeID uuid.UUID, roomID string) error {
	open, err := s.findOpen(ctx, callerID, calleeID)
	if err != nil {
		return err
	}
	if open != nil {
		return nil
	}

	call := &domain.Call{
		CallID:    uuid.New(),
		RoomID:    roomID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Status:    domain.CallRecordRinging,
		StartedAt: s.now(),
	}
	if err := s.repo.Create(ctx, call); err != nil {
		return apperrors.DatabaseError(err)
	}
	s.log.Debug("Call started",
		zap.String("call_id", call.CallID.String()),
		zap.String("caller_id", callerID.String()),
		zap.String("callee_id", calleeID.String()))
	return nil
}

// RecordAnswer marks the open call between the pair as active
func (s *Service) RecordAnswer(ctx context.Context, fromID, toID uuid.UUID) error {
	open, err := s.findOpen(ctx, fromID, toID)
	if err != nil || open == nil {
		return err
	}
	if open.Status != domain.CallRecordRinging {
		return nil
	}
	if err := s.repo.MarkAnswered(ctx, open.CallID, s.now()); err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// RecordEnd closes the open call between the pair. Ending a pair with no
// open call is a no-op, since both sides may send end-call.
func (s *Service) RecordEnd(ctx context.Context, fromID, toID uuid.UUID, reason domain.EndReason) error {
	open, err := s.findOpen(ctx, fromID, toID)
	if err != nil || open == nil {
		return err
	}
	if reason == "" {
		reason = domain.EndReasonHangup
	}
	if err := s.repo.End(ctx, open.CallID, string(reason), s.now()); err != nil {
		return apperrors.DatabaseError(err)
	}
	s.log.Debug("Call ended",
		zap.String("call_id", open.CallID.String()),
		zap.String("reason", string(reason)))
	return nil
}

// History returns the user's calls, newest first
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Call, error) {
	if limit <= 0 || limit > constants.MaxPageSize {
		limit = constants.DefaultPageSize
	}
	calls, err := s.repo.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if calls == nil {
		calls = []*domain.Call{}
	}
	return calls, nil
}

func (s *Service) findOpen(ctx context.Context, a, b uuid.UUID) (*domain.Call, error) {
	call, err := s.repo.FindOpen(ctx, a, b)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
			return nil, nil
		}
		return nil, apperrors.DatabaseError(err)
	}
	return call, nil
}
