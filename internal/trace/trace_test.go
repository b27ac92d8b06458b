package trace

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestAppendAssignsSequentialPositions(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	first := p.Append(Outbound, REST, "GET /rooms", nil)
	second := p.Append(Inbound, REST, "status 200", `{"rooms":[]}`)

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("Seq = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
}

func TestAppendRendersImmediately(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Append(Outbound, Channel, "emit commit", `{"hash":"abc"}`)

	out := buf.String()
	if !strings.Contains(out, "WS") || !strings.Contains(out, "->") {
		t.Fatalf("rendered entry missing transport tag: %q", out)
	}
	if !strings.Contains(out, "emit commit") {
		t.Fatalf("rendered entry missing label: %q", out)
	}
	if !strings.Contains(out, `{"hash":"abc"}`) {
		t.Fatalf("rendered entry missing payload: %q", out)
	}
}

func TestAppendOneLinePerEntry(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Append(Outbound, REST, "POST /players", `{"username":"tal"}`)
	p.Append(Inbound, REST, "status 200", `{"id":1}`)
	p.Append(Local, Session, "unrecognized input", "frobnicate")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
}

func TestRenderPayloadShapes(t *testing.T) {
	cases := []struct {
		payload any
		want    string
	}{
		{nil, ""},
		{"plain", "plain"},
		{[]byte(`{"a":1}`), `{"a":1}`},
		{map[string]any{"room_id": "r-1"}, `{"room_id":"r-1"}`},
	}
	for _, tc := range cases {
		if got := renderPayload(tc.payload); got != tc.want {
			t.Errorf("renderPayload(%v) = %q, want %q", tc.payload, got, tc.want)
		}
	}
}

func TestConcurrentAppendsKeepDistinctPositions(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	const n = 50
	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seqs <- p.Append(Inbound, Channel, "room_update", nil).Seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		if seen[s] {
			t.Fatalf("duplicate seq %d", s)
		}
		seen[s] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct positions, want %d", len(seen), n)
	}
}
