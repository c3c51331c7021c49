package email

import (
	"strings"
	"testing"
)

func TestComposeBuildsMultipartMessage(t *testing.T) {
	raw, err := Compose(
		"MakerSpace BOT <bot@example.com>",
		"Stefano Masini <stefano@example.com>",
		"Forgot to checkout",
		"Hello Stefano,\n\nDid you forget to checkout?",
	)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	msg := string(raw)
	for _, want := range []string{
		"From: \"MakerSpace BOT\" <bot@example.com>",
		"To: \"Stefano Masini\" <stefano@example.com>",
		"Subject: Forgot to checkout",
		"multipart/alternative",
		"text/plain",
		"text/html",
		"Message-Id:",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("composed message missing %q", want)
		}
	}
}

func TestComposeRejectsBadAddress(t *testing.T) {
	if _, err := Compose("not an address", "also not", "subject", "body"); err == nil {
		t.Error("expected error for malformed addresses")
	}
}

func TestBareAddress(t *testing.T) {
	tests := []struct{ in, want string }{
		{"MakerSpace BOT <bot@example.com>", "bot@example.com"},
		{"bot@example.com", "bot@example.com"},
	}
	for _, tc := range tests {
		if got := bareAddress(tc.in); got != tc.want {
			t.Errorf("bareAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMarkdownToPlain(t *testing.T) {
	got := markdownToPlain("See **this** [link](https://example.com).")
	want := "See this link (https://example.com)."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
