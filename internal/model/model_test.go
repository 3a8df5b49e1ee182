package model

import (
	"testing"
	"time"

	"gorm.io/datatypes"
)

func window(startH, endH, durMin, people int) *AvailabilityWindow {
	return &AvailabilityWindow{
		Weekday:          0,
		StartTime:        datatypes.NewTime(startH, 0, 0, 0),
		EndTime:          datatypes.NewTime(endH, 0, 0, 0),
		SlotDurationMin:  durMin,
		MaxPeoplePerSlot: people,
		IsActive:         true,
	}
}

func TestAvailabilityWindow_NumSlots(t *testing.T) {
	w := window(9, 17, 30, 1)
	if err := w.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := w.NumSlots(); got != 16 {
		t.Fatalf("expected 16 slots, got %d", got)
	}
	if !w.OnGrid(16*time.Hour + 30*time.Minute) {
		t.Fatalf("16:30 must be on grid")
	}
	if w.OnGrid(9*time.Hour + 10*time.Minute) {
		t.Fatalf("09:10 must not be on grid")
	}

	odd := window(9, 10, 25, 1)
	if got := odd.NumSlots(); got != 2 {
		t.Fatalf("expected 2 slots, got %d", got)
	}
	if odd.LastSlotEnd() != 9*time.Hour+50*time.Minute {
		t.Fatalf("unexpected last slot end %v", odd.LastSlotEnd())
	}
}

func TestAvailabilityWindow_Validate(t *testing.T) {
	cases := map[string]*AvailabilityWindow{
		"range":    window(10, 9, 30, 1),
		"duration": window(9, 10, 0, 1),
		"people":   window(9, 10, 30, 21),
	}
	for name, w := range cases {
		if err := w.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestAbsenceWindow_CoversInstant(t *testing.T) {
	start := datatypes.NewTime(10, 0, 0, 0)
	end := datatypes.NewTime(12, 0, 0, 0)
	a := &AbsenceWindow{
		StartDate: datatypes.Date(time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)),
		EndDate:   datatypes.Date(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)),
		StartTime: &start,
		EndTime:   &end,
		Type:      AbsenceTypeAbsence,
		Status:    AbsenceStatusActive,
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	at := func(d, h, m int) time.Time { return time.Date(2025, 3, d, h, m, 0, 0, time.UTC) }

	if !a.CoversInstant(at(3, 12, 0)) {
		t.Fatalf("end bound is inclusive")
	}
	if a.CoversInstant(at(4, 12, 30)) {
		t.Fatalf("12:30 is outside the time range")
	}
	if a.CoversInstant(at(5, 10, 0)) {
		t.Fatalf("day after the range must not be covered")
	}

	a.Status = AbsenceStatusCancelled
	if a.Blocks(ChannelInPerson) || a.Blocks(ChannelSelfService) {
		t.Fatalf("cancelled absence must not block")
	}
}

func TestAbsenceWindow_DigitalBlockScope(t *testing.T) {
	a := &AbsenceWindow{Type: AbsenceTypeDigitalBlock, Status: AbsenceStatusActive}
	if !a.Blocks(ChannelSelfService) {
		t.Fatalf("digital block must close self-service")
	}
	if a.Blocks(ChannelInPerson) {
		t.Fatalf("digital block must not close in-person admission")
	}
}

func TestSuggestionExpiry_Duration(t *testing.T) {
	if SuggestionExpiryOneWeek.Duration() != 7*24*time.Hour {
		t.Fatalf("unexpected 1_WEEK duration")
	}
	if SuggestionExpiry("").Duration() != 48*time.Hour {
		t.Fatalf("default expiry must be two days")
	}
}

func TestBookingStatus_Predicates(t *testing.T) {
	if BookingStatusCompleted.IsActive() || !BookingStatusCompleted.Occupies() {
		t.Fatalf("completed booking keeps occupying but is not active")
	}
	if BookingStatusCancelled.Occupies() {
		t.Fatalf("cancelled booking must release capacity")
	}
	if !BookingStatusReschedulingPending.IsActive() || BookingStatusReschedulingPending.IsTerminal() {
		t.Fatalf("rescheduling pending is active and non-terminal")
	}
}

func TestRescheduleOffer_Suggests(t *testing.T) {
	instant := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	o := &RescheduleOffer{
		SuggestedInstants: datatypes.JSONSlice[time.Time]{instant},
		Status:            OfferStatusPending,
		ExpiresAt:         instant.Add(-time.Hour),
	}
	if !o.Suggests(instant.In(time.FixedZone("UTC+3", 3*3600))) {
		t.Fatalf("membership must compare instants, not zones")
	}
	if !o.ExpiredAt(instant) {
		t.Fatalf("offer must be expired")
	}
}
