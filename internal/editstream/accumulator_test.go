package editstream

import (
	"reflect"
	"testing"
)

func TestDrainCompleteLines(t *testing.T) {
	var a LineAccumulator

	a.Append("par")
	if got := a.DrainCompleteLines(); got != nil {
		t.Fatalf("no newline seen yet, got %v", got)
	}

	a.Append("tial\nsecond line\ntrail")
	got := a.DrainCompleteLines()
	want := []string{"partial", "second line"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DrainCompleteLines = %v, want %v", got, want)
	}
	if a.Pending() != len("trail") {
		t.Errorf("Pending = %d, want %d", a.Pending(), len("trail"))
	}
}

func TestEmptyFragmentYieldsNoNewLine(t *testing.T) {
	var a LineAccumulator
	a.Append("partial")
	a.Append("")
	if got := a.DrainCompleteLines(); got != nil {
		t.Fatalf("empty fragment must not complete a line, got %v", got)
	}
}

func TestFlushReturnsTrailingPartial(t *testing.T) {
	var a LineAccumulator
	a.Append("one\ntwo")

	got := a.Flush()
	want := []string{"one", "two"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Flush = %v, want %v", got, want)
	}
	if a.Pending() != 0 {
		t.Errorf("accumulator should be empty after Flush")
	}
	if got := a.Flush(); got != nil {
		t.Errorf("second Flush should yield nothing, got %v", got)
	}
}

func TestConsecutiveNewlinesYieldEmptyLines(t *testing.T) {
	var a LineAccumulator
	a.Append("a\n\nb\n")
	got := a.DrainCompleteLines()
	want := []string{"a", "", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DrainCompleteLines = %v, want %v", got, want)
	}
}
