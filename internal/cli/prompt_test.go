package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestTerminalPrompter_Confirm(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"maybe\n", false},
		{"y", true},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			p := NewTerminalPrompter(strings.NewReader(tt.input), &out)
			got, err := p.Confirm("Proceed?")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
			if !strings.Contains(out.String(), "Proceed? [y/N]: ") {
				t.Errorf("expected question in output, got %q", out.String())
			}
		})
	}
}

func TestTerminalPrompter_Prompt(t *testing.T) {
	p := NewTerminalPrompter(strings.NewReader("\ncustom\n"), &bytes.Buffer{})

	got, err := p.Prompt("Region", "us-east-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "us-east-1" {
		t.Errorf("expected default for empty answer, got %q", got)
	}

	got, err = p.Prompt("Region", "us-east-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "custom" {
		t.Errorf("expected %q, got %q", "custom", got)
	}
}

func TestTerminalPrompter_ChooseAsksAgain(t *testing.T) {
	var out bytes.Buffer
	p := NewTerminalPrompter(strings.NewReader("9\nabc\n2\n"), &out)

	got, err := p.Choose("What now?", []string{"Retry", "Skip"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Errorf("expected index 1, got %d", got)
	}
	if n := strings.Count(out.String(), "Invalid choice"); n != 2 {
		t.Errorf("expected 2 invalid choice notices, got %d", n)
	}
	if !strings.Contains(out.String(), "  2. Skip") {
		t.Errorf("expected numbered options, got %q", out.String())
	}
}

func TestTerminalPrompter_EndOfInput(t *testing.T) {
	p := NewTerminalPrompter(strings.NewReader(""), &bytes.Buffer{})
	if _, err := p.Choose("What now?", []string{"Retry"}); !errors.Is(err, ErrNoInput) {
		t.Errorf("expected ErrNoInput, got %v", err)
	}
	if _, err := p.Confirm("Sure?"); !errors.Is(err, ErrNoInput) {
		t.Errorf("expected ErrNoInput, got %v", err)
	}
}
