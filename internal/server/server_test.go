package server

import (
	"bufio"
	"strings"
	"testing"

	"github.com/pfixtools/policyd/internal/filter"
	"github.com/roadrunner-server/errors"
)

func TestReadBlockStopsAtBlankLine(t *testing.T) {
	input := "protocol_state=RCPT\nsender=a@b.com\n\nnext_request_would_start_here"
	c := &client{reader: bufio.NewReader(strings.NewReader(input))}

	block, err := c.readBlock()
	if err != nil {
		t.Fatalf("readBlock() error = %v", err)
	}
	want := "protocol_state=RCPT\nsender=a@b.com\n"
	if string(block) != want {
		t.Errorf("readBlock() = %q, want %q", block, want)
	}
}

func TestReadBlockErrorsOnEOFWithoutBlankLine(t *testing.T) {
	c := &client{reader: bufio.NewReader(strings.NewReader("protocol_state=RCPT\n"))}
	if _, err := c.readBlock(); err == nil {
		t.Error("expected an error when the stream ends without a terminating blank line")
	}
}

func TestReadBlockDropsClientOverSizeCeiling(t *testing.T) {
	line := strings.Repeat("a", 1024) + "\n"
	body := strings.Repeat(line, maxBlockSize/len(line)+2) // past the ceiling, never terminated
	c := &client{reader: bufio.NewReader(strings.NewReader(body))}

	_, err := c.readBlock()
	if err == nil {
		t.Fatal("expected an error for input past the size ceiling")
	}
	if !errors.Is(err, errOverBudget) {
		t.Errorf("readBlock() error = %v, want errOverBudget", err)
	}
}

func TestFreeListResetsBeforeReuse(t *testing.T) {
	fl := newFreeList(
		func() *filter.Context { return filter.NewContext() },
		func(fc *filter.Context) { fc.ResetForInstance("") },
	)

	fc := fl.get()
	fc.ResetForInstance("instance-a")
	fc.Counters[0] = 42
	fl.put(fc)

	reused := fl.get()
	if reused.Counters[0] != 0 {
		t.Errorf("reused context kept stale counter value %d, want 0", reused.Counters[0])
	}
	if reused.Instance != "" {
		t.Errorf("reused context kept stale instance %q, want empty", reused.Instance)
	}
}
