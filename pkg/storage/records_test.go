package storage

import (
	"testing"
	"time"
)

func TestNextStamp(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		prev time.Time
		now  time.Time
		want time.Time
	}{
		{"clock moved on", base, base.Add(time.Second), base.Add(time.Second)},
		{"same instant", base, base, base.Add(time.Nanosecond)},
		{"clock behind", base, base.Add(-time.Minute), base.Add(time.Nanosecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextStamp(tt.prev, tt.now); !got.Equal(tt.want) {
				t.Errorf("NextStamp() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScopePartition(t *testing.T) {
	tests := []struct {
		scope Scope
		want  string
	}{
		{Scope{UserID: "alice"}, "user:alice"},
		{Scope{UserID: "alice", AgentID: "planner", RunID: "r1"}, "user:alice"},
		{Scope{AgentID: "planner", RunID: "r1"}, "agent:planner"},
		{Scope{RunID: "r1", AppID: "app"}, "run:r1"},
		{Scope{AppID: "app"}, "app:app"},
		{Scope{}, ""},
	}
	for _, tt := range tests {
		if got := tt.scope.Partition(); got != tt.want {
			t.Errorf("%+v.Partition() = %q, want %q", tt.scope, got, tt.want)
		}
	}
}
