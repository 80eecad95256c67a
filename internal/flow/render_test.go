package flow

import (
	"testing"
	"time"
)

func TestMaskPhone(t *testing.T) {
	if got := MaskPhone("250788001122"); got != "***1122" {
		t.Errorf("expected ***1122, got %q", got)
	}
	if got := MaskPhone("12"); got != "***" {
		t.Errorf("expected *** for short numbers, got %q", got)
	}
}

func TestChatLinkEscapesPrefill(t *testing.T) {
	got := ChatLink("250788001122", "Hi! Are you available?")
	want := "https://wa.me/250788001122?text=Hi%21+Are+you+available%3F"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestDistanceLabel(t *testing.T) {
	if got := DistanceLabel(nil); got != "" {
		t.Errorf("expected empty label for unknown distance, got %q", got)
	}
	km := 1.26
	if got := DistanceLabel(&km); got != "1.3 km" {
		t.Errorf("expected 1.3 km, got %q", got)
	}
	m := 0.42
	if got := DistanceLabel(&m); got != "420 m" {
		t.Errorf("expected 420 m, got %q", got)
	}
}

func TestTimeAgo(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, "just now"},
		{now.Add(-30 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-50 * time.Hour), "2d ago"},
	}
	for _, tc := range cases {
		if got := TimeAgo(tc.at, now); got != tc.want {
			t.Errorf("TimeAgo(%v): expected %q, got %q", tc.at, tc.want, got)
		}
	}
}
