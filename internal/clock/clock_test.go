package clock

import (
	"testing"
	"time"
)

func TestNow_ReturnsCurrentTime(t *testing.T) {
	before := time.Now()
	result := RealClock{}.Now()
	after := time.Now()

	if result.Before(before) || result.After(after) {
		t.Errorf("Now() returned %v, expected between %v and %v", result, before, after)
	}
}

func TestMockClock_Advance(t *testing.T) {
	mockTime := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	mock.Advance(time.Hour)

	expected := mockTime.Add(time.Hour)
	if !mock.Now().Equal(expected) {
		t.Errorf("After Advance, Now() = %v, expected %v", mock.Now(), expected)
	}
	if got := mock.Since(mockTime); got != time.Hour {
		t.Errorf("Since() = %v, want 1h", got)
	}
	if got := mock.Until(mockTime.Add(2 * time.Hour)); got != time.Hour {
		t.Errorf("Until() = %v, want 1h", got)
	}
}

func TestMockClock_Set(t *testing.T) {
	mock := NewMockClock(time.Time{})
	target := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.Set(target)
	if !mock.Now().Equal(target) {
		t.Errorf("Set() not applied: %v", mock.Now())
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(RealClock); !ok {
		t.Error("OrReal(nil) should return RealClock")
	}
	m := NewMockClock(time.Now())
	if OrReal(m) != Clock(m) {
		t.Error("OrReal should pass through a non-nil clock")
	}
}
