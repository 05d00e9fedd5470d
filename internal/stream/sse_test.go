package stream

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParserHandlesSplitLines(t *testing.T) {
	input := "event: message_start\r\ndata: {\"a\":1}\r\n\r\n: keep-alive\n\ndata: first\ndata: second\n\ndata: [DONE]\n\n"

	// Every split point must produce the same frames.
	want := []Frame{
		{Event: "message_start", Data: `{"a":1}`},
		{Data: "first\nsecond"},
		{Data: "[DONE]"},
	}
	for split := 0; split <= len(input); split++ {
		var p Parser
		got := p.Feed([]byte(input[:split]))
		got = append(got, p.Feed([]byte(input[split:]))...)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split %d: frames = %+v", split, got)
		}
	}
}

func TestParserFlushDispatchesTrailingEvent(t *testing.T) {
	var p Parser
	if frames := p.Feed([]byte("data: {\"x\":1}")); len(frames) != 0 {
		t.Fatalf("premature frames %+v", frames)
	}
	frame, ok := p.Flush()
	if !ok || frame.Data != `{"x":1}` {
		t.Errorf("flush = %+v, %v", frame, ok)
	}
	if _, ok := p.Flush(); ok {
		t.Error("second flush dispatched again")
	}
}

func TestParserKeepsMultiByteRunesAcrossReads(t *testing.T) {
	input := []byte("data: {\"content\":\"caf\u00e9 \u65e5\u672c \U0001F600\"}\n\n")
	for split := 0; split <= len(input); split++ {
		var p Parser
		got := p.Feed(input[:split])
		got = append(got, p.Feed(input[split:])...)
		if len(got) != 1 || !utf8.ValidString(got[0].Data) || !strings.Contains(got[0].Data, "caf\u00e9 \u65e5\u672c \U0001F600") {
			t.Fatalf("split %d: frames = %+v", split, got)
		}
	}
}
