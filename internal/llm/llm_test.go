package llm

import (
	"context"
	"testing"
)

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 0, "hello"},
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"你好", 4, "你"},
		{"你好", 2, ""},
	}
	for _, tc := range cases {
		if got := Truncate(tc.in, tc.max); got != tc.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestStaticClientEchoesPrompt(t *testing.T) {
	resp, err := StaticClient{}.Generate(context.Background(), Request{Prompt: " hi "})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Reply != "ack: hi" {
		t.Fatalf("unexpected reply %q", resp.Reply)
	}
}
