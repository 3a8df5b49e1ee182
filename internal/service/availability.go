package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Leganyst/clinic-scheduler/internal/model"
)

// ReplaceAvailability заменяет все окна провайдера одним набором.
// Любое некорректное окно отклоняет весь набор.
func (s *SchedulingService) ReplaceAvailability(
	ctx context.Context,
	providerID uuid.UUID,
	windows []model.AvailabilityWindow,
) ([]model.AvailabilityWindow, error) {
	if _, err := s.loadProvider(ctx, s.store, providerID); err != nil {
		return nil, err
	}
	for i := range windows {
		windows[i].ProviderID = providerID
		if err := windows[i].Validate(); err != nil {
			return nil, &Rejection{
				Kind:    KindValidation,
				Code:    CodeInvalidWindow,
				Message: fmt.Sprintf("window %d: %v", i+1, err),
				Err:     err,
			}
		}
	}
	if err := s.store.Availability.ReplaceAll(ctx, providerID, windows); err != nil {
		return nil, fmt.Errorf("replace availability: %w", err)
	}
	return windows, nil
}

// ListWindows: все окна провайдера, включая неактивные.
func (s *SchedulingService) ListWindows(ctx context.Context, providerID uuid.UUID) ([]model.AvailabilityWindow, error) {
	windows, err := s.store.Availability.ListByProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	return windows, nil
}
