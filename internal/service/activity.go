package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/Leganyst/clinic-scheduler/internal/model"
	"github.com/Leganyst/clinic-scheduler/internal/repository"
)

// ActivityRecorder: журнал действий по провайдеру. Запись best-effort.
type ActivityRecorder interface {
	Record(
		ctx context.Context,
		actorID *uuid.UUID,
		providerID uuid.UUID,
		action model.ActivityAction,
		description string,
		targetID *uuid.UUID,
	) error
}

// ActivityLog пишет журнал в таблицу activity_logs.
type ActivityLog struct {
	repo repository.ActivityRepository
}

func NewActivityLog(repo repository.ActivityRepository) *ActivityLog {
	return &ActivityLog{repo: repo}
}

func (a *ActivityLog) Record(
	ctx context.Context,
	actorID *uuid.UUID,
	providerID uuid.UUID,
	action model.ActivityAction,
	description string,
	targetID *uuid.UUID,
) error {
	return a.repo.Create(ctx, &model.ActivityLog{
		Action:      action,
		ActorID:     actorID,
		ProviderID:  providerID,
		TargetID:    targetID,
		Description: description,
	})
}
