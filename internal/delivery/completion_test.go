package delivery

import (
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func TestDetectorEvaluate(t *testing.T) {
	now := time.Now()
	detector := NewDetector(CompletionConfig{
		MaxEmptyPolls:     3,
		InactivityTimeout: 60 * time.Second,
		MaxPollAttempts:   50,
	})

	tests := []struct {
		name       string
		snap       TurnSnapshot
		wantDone   bool
		wantReason Reason
	}{
		{
			name:       "explicit complete always wins",
			snap:       TurnSnapshot{ExplicitComplete: true, LastEventAt: now},
			wantDone:   true,
			wantReason: ReasonExplicit,
		},
		{
			name: "pending false with messages is explicit",
			snap: TurnSnapshot{
				HasPending:        boolPtr(false),
				MessagesDelivered: 2,
				LastEventAt:       now,
			},
			wantDone:   true,
			wantReason: ReasonExplicit,
		},
		{
			name: "pending false without messages is not completion",
			snap: TurnSnapshot{
				HasPending:  boolPtr(false),
				Status:      "processing",
				LastEventAt: now,
			},
			wantDone: false,
		},
		{
			name: "ready status with a delivered message",
			snap: TurnSnapshot{
				Status:            "ready",
				MessagesDelivered: 1,
				LastEventAt:       now,
			},
			wantDone:   true,
			wantReason: ReasonStatus,
		},
		{
			name: "completed status with a delivered message",
			snap: TurnSnapshot{
				Status:            "completed",
				MessagesDelivered: 3,
				LastEventAt:       now,
			},
			wantDone:   true,
			wantReason: ReasonStatus,
		},
		{
			name: "ready status before any message arrived",
			snap: TurnSnapshot{
				Status:      "ready",
				LastEventAt: now,
			},
			wantDone: false,
		},
		{
			name: "typing status keeps the turn open",
			snap: TurnSnapshot{
				Status:            "typing",
				MessagesDelivered: 1,
				LastEventAt:       now,
			},
			wantDone: false,
		},
		{
			name: "pending true defers status rule",
			snap: TurnSnapshot{
				HasPending:        boolPtr(true),
				Status:            "ready",
				MessagesDelivered: 2,
				LastEventAt:       now,
			},
			wantDone: false,
		},
		{
			name: "pending true defers inactivity rules",
			snap: TurnSnapshot{
				HasPending:            boolPtr(true),
				Status:                "processing",
				ConsecutiveEmptyPolls: 5,
				LastEventAt:           now.Add(-5 * time.Minute),
			},
			wantDone: false,
		},
		{
			name: "three consecutive empty polls",
			snap: TurnSnapshot{
				Status:                "processing",
				ConsecutiveEmptyPolls: 3,
				LastEventAt:           now,
			},
			wantDone:   true,
			wantReason: ReasonInactivity,
		},
		{
			name: "quiet for longer than the inactivity window",
			snap: TurnSnapshot{
				Status:      "processing",
				LastEventAt: now.Add(-61 * time.Second),
			},
			wantDone:   true,
			wantReason: ReasonInactivity,
		},
		{
			name: "quiet but inside the inactivity window",
			snap: TurnSnapshot{
				Status:                "processing",
				ConsecutiveEmptyPolls: 2,
				LastEventAt:           now.Add(-59 * time.Second),
			},
			wantDone: false,
		},
		{
			name: "attempt ceiling overrides pending true",
			snap: TurnSnapshot{
				HasPending:   boolPtr(true),
				Status:       "processing",
				PollAttempts: 50,
				LastEventAt:  now,
			},
			wantDone:   true,
			wantReason: ReasonCeiling,
		},
		{
			name: "status outranks inactivity when both hold",
			snap: TurnSnapshot{
				Status:                "ready",
				MessagesDelivered:     1,
				ConsecutiveEmptyPolls: 4,
				LastEventAt:           now.Add(-2 * time.Minute),
			},
			wantDone:   true,
			wantReason: ReasonStatus,
		},
		{
			name: "explicit outranks everything else",
			snap: TurnSnapshot{
				ExplicitComplete:      true,
				Status:                "ready",
				MessagesDelivered:     1,
				ConsecutiveEmptyPolls: 9,
				PollAttempts:          50,
				LastEventAt:           now.Add(-time.Hour),
			},
			wantDone:   true,
			wantReason: ReasonExplicit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, reason := detector.Evaluate(now, tt.snap)
			if done != tt.wantDone {
				t.Fatalf("Evaluate done = %v, want %v (reason %s)", done, tt.wantDone, reason)
			}
			if done && reason != tt.wantReason {
				t.Errorf("Evaluate reason = %s, want %s", reason, tt.wantReason)
			}
			if !done && reason != ReasonNone {
				t.Errorf("Evaluate reason = %s, want none for live turn", reason)
			}
		})
	}
}

func TestDetectorFreshTurnStaysOpen(t *testing.T) {
	detector := NewDetector(CompletionConfig{})
	done, _ := detector.Evaluate(time.Now(), TurnSnapshot{
		Status:      "pending",
		LastEventAt: time.Now(),
	})
	if done {
		t.Error("Expected a fresh turn to stay open")
	}
}
