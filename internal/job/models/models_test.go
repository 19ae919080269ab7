package models

import (
	"testing"
	"time"
)

func TestJobStatusTerminal(t *testing.T) {
	cases := map[JobStatus]bool{
		StatusPending:    false,
		StatusInProgress: false,
		StatusCompleted:  true,
		StatusFailed:     true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestJobStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusPending, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusInProgress, false},
		{StatusCompleted, StatusCompleted, true},
		{StatusFailed, StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCommitShortSHA(t *testing.T) {
	c := Commit{SHA: "0123456789abcdef"}
	if got := c.ShortSHA(); got != "01234567" {
		t.Errorf("ShortSHA() = %q, want %q", got, "01234567")
	}
	short := Commit{SHA: "abc"}
	if got := short.ShortSHA(); got != "abc" {
		t.Errorf("ShortSHA() = %q, want %q", got, "abc")
	}
}

func TestLogEntryString(t *testing.T) {
	e := LogEntry{
		Timestamp: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
		Message:   "fetching PR details",
	}
	want := "[2026-01-02T15:04:05Z] fetching PR details"
	if got := e.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestJobRepo(t *testing.T) {
	j := &Job{RepoOwner: "acme", RepoName: "widget"}
	if got := j.Repo(); got != "acme/widget" {
		t.Errorf("Repo() = %q, want %q", got, "acme/widget")
	}
}
