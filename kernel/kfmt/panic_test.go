package kfmt

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kitty744/Cane/kernel"
)

func TestPanic(t *testing.T) {
	defer func(origHaltFn func()) {
		cpuHaltFn = origHaltFn
		outputSink = nil
	}(cpuHaltFn)

	haltCalled := false
	cpuHaltFn = func() {
		haltCalled = true
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	err := &kernel.Error{Module: "test", Message: "something broke"}
	Panic(err)

	if !haltCalled {
		t.Error("expected Panic to halt the CPU")
	}

	exp := "[test] unrecoverable error: something broke"
	if got := buf.String(); !strings.Contains(got, exp) {
		t.Errorf("expected panic output to contain %q; got %q", exp, got)
	}

	if got := buf.String(); !strings.Contains(got, "kernel panic: system halted") {
		t.Errorf("expected panic output to contain the halt banner; got %q", got)
	}
}
