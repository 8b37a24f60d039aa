package model

import (
	"testing"
	"time"
)

func TestExtendMembership_NoActiveMembership(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	got := ExtendMembership(nil, now, 10)
	want := now.AddDate(0, 0, 10)
	if !got.Equal(want) {
		t.Fatalf("ExtendMembership(nil) = %v, want %v", got, want)
	}

	expired := now.AddDate(0, 0, -5)
	got = ExtendMembership(&expired, now, 10)
	if !got.Equal(want) {
		t.Fatalf("ExtendMembership(expired) = %v, want %v", got, want)
	}
}

func TestExtendMembership_StacksFromCurrentDue(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	due := now.AddDate(0, 0, 20)

	got := ExtendMembership(&due, now, 10)
	want := due.AddDate(0, 0, 10)
	if !got.Equal(want) {
		t.Fatalf("ExtendMembership(active) = %v, want %v", got, want)
	}
}

func TestNewMembership(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		due      *time.Time
		member   bool
		daysLeft int
	}{
		{name: "no due", due: nil, member: false, daysLeft: 0},
		{name: "expired", due: ptrTime(now.AddDate(0, 0, -1)), member: false, daysLeft: 0},
		{name: "active", due: ptrTime(now.AddDate(0, 0, 30)), member: true, daysLeft: 30},
		{name: "less than a day", due: ptrTime(now.Add(6 * time.Hour)), member: true, daysLeft: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMembership(tt.due, now)
			if m.Member != tt.member {
				t.Fatalf("Member = %v, want %v", m.Member, tt.member)
			}
			if m.DaysLeft != tt.daysLeft {
				t.Fatalf("DaysLeft = %d, want %d", m.DaysLeft, tt.daysLeft)
			}
		})
	}
}

func ptrTime(v time.Time) *time.Time {
	return &v
}
