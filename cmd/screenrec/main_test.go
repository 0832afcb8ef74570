package main

import (
	"strings"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{1499 * time.Millisecond, "00:01"},
		{61 * time.Second, "01:01"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReadCommands(t *testing.T) {
	t.Parallel()

	cmds := make(chan string)
	go readCommands(strings.NewReader("pause\n\n  R \nstop\n"), cmds)

	var got []string
	for c := range cmds {
		got = append(got, c)
	}
	if strings.Join(got, ",") != "p,r,s" {
		t.Fatalf("got %v, want [p r s]", got)
	}
}
