package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFramerRoundTrip(t *testing.T) {
	payloads := []Payload{
		ContextPayload{TopicID: 42, BotUserID: 7, PersonaID: 3},
		PartialPayload{Partial: "hello"},
		PartialPayload{Partial: " world"},
		NewToolCallsPayload([]ToolCall{{
			ID:         "a",
			Name:       "lookup",
			Parameters: json.RawMessage(`{"q":"x"}`),
		}}, "tok-1"),
		NewErrorPayload("engine failed"),
	}

	var buf bytes.Buffer
	f := NewFramer(&buf, nil)
	if err := f.WriteHeaders(); err != nil {
		t.Fatalf("write headers: %v", err)
	}
	for _, p := range payloads {
		if err := f.WriteChunk(p); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
	}
	if err := f.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	r := bufio.NewReader(&buf)
	skipHeaders(t, r)

	var got []Payload
	for {
		body, err := ReadChunk(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read chunk: %v", err)
		}
		p, err := DecodePayload(body)
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		got = append(got, p)
	}
	if rest, _ := io.ReadAll(r); len(rest) != 0 {
		t.Fatalf("expected no bytes after terminator, got %q", rest)
	}
	if len(got) != len(payloads) {
		t.Fatalf("expected %d payloads, got %d", len(payloads), len(got))
	}
	if ctx, ok := got[0].(ContextPayload); !ok || ctx.TopicID != 42 {
		t.Fatalf("unexpected first payload %#v", got[0])
	}
	if p, ok := got[1].(PartialPayload); !ok || p.Partial != "hello" {
		t.Fatalf("unexpected second payload %#v", got[1])
	}
	tc, ok := got[3].(ToolCallsPayload)
	if !ok || tc.ResumeToken != "tok-1" || len(tc.ToolCalls) != 1 || tc.ToolCalls[0].ID != "a" {
		t.Fatalf("unexpected tool_calls payload %#v", got[3])
	}
	if e, ok := got[4].(ErrorPayload); !ok || e.Error != "engine failed" {
		t.Fatalf("unexpected error payload %#v", got[4])
	}
}

func TestFramerHeaderSet(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, nil)
	if err := f.WriteHeaders(); err != nil {
		t.Fatalf("write headers: %v", err)
	}
	head := buf.String()
	if !strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("missing status line in %q", head)
	}
	for _, want := range []string{
		"Content-Type: text/plain; charset=utf-8\r\n",
		"Transfer-Encoding: chunked\r\n",
		"Cache-Control: no-cache, no-store, must-revalidate\r\n",
		"Connection: close\r\n",
		"X-Accel-Buffering: no\r\n",
		"X-Content-Type-Options: nosniff\r\n",
	} {
		if !strings.Contains(head, want) {
			t.Fatalf("missing header %q", want)
		}
	}
	if !strings.HasSuffix(head, "\r\n\r\n") {
		t.Fatalf("headers not terminated by blank line: %q", head)
	}
	if err := f.WriteHeaders(); !errors.Is(err, ErrHeadersWritten) {
		t.Fatalf("expected ErrHeadersWritten, got %v", err)
	}
}

func TestFramerChunkFraming(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, nil)
	if err := f.WriteChunk(PartialPayload{Partial: "4"}); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	body := `{"partial":"4"}` + "\n\n"
	want := "11\r\n" + body + "\r\n"
	if got := buf.String(); got != want {
		t.Fatalf("frame mismatch:\n got %q\nwant %q", got, want)
	}
	buf.Reset()
	if err := f.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got := buf.String(); got != "0\r\n\r\n" {
		t.Fatalf("terminator mismatch: %q", got)
	}
}

func TestFramerPropagatesWriteErrors(t *testing.T) {
	f := NewFramer(failingWriter{}, nil)
	if err := f.WriteChunk(PartialPayload{Partial: "x"}); err == nil {
		t.Fatal("expected write error")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func skipHeaders(t *testing.T, r *bufio.Reader) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read header line: %v", err)
		}
		if line == "\r\n" {
			return
		}
	}
}
