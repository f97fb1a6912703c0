package vmm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kitty744/Cane/kernel/kfmt"
)

func TestPageFaultHandler(t *testing.T) {
	defer func(origReadCR2Fn func() uint64, origHaltFn func()) {
		readCR2Fn = origReadCR2Fn
		haltFn = origHaltFn
		kfmt.SetOutputSink(nil)
	}(readCR2Fn, haltFn)

	var haltCalled bool
	readCR2Fn = func() uint64 { return 0xdeadbeef }
	haltFn = func() { haltCalled = true }

	specs := []struct {
		errorCode uint64
		exp       []string
		notExp    []string
	}{
		{
			0,
			[]string{"[Non-present Page]", "[Read]", "[Kernel Mode]"},
			[]string{"[Protection Violation]", "[Write]", "[User Mode]"},
		},
		{
			1,
			[]string{"[Protection Violation]", "[Read]", "[Kernel Mode]"},
			[]string{"[Non-present Page]"},
		},
		{
			2,
			[]string{"[Non-present Page]", "[Write]", "[Kernel Mode]"},
			[]string{"[Read]"},
		},
		{
			4,
			[]string{"[Non-present Page]", "[Read]", "[User Mode]"},
			[]string{"[Kernel Mode]"},
		},
		{
			7,
			[]string{"[Protection Violation]", "[Write]", "[User Mode]"},
			[]string{"[Non-present Page]", "[Read]", "[Kernel Mode]"},
		},
	}

	for specIndex, spec := range specs {
		var buf bytes.Buffer
		kfmt.SetOutputSink(&buf)
		haltCalled = false

		PageFaultHandler(spec.errorCode)

		if !haltCalled {
			t.Errorf("[spec %d] expected the handler to halt the CPU", specIndex)
		}

		got := buf.String()
		if exp := "FATAL PAGE FAULT"; !strings.Contains(got, exp) {
			t.Errorf("[spec %d] expected output to contain %q; got %q", specIndex, exp, got)
		}
		if exp := "Address: 0x00000000deadbeef"; !strings.Contains(got, exp) {
			t.Errorf("[spec %d] expected the faulting address from CR2 in the output; got %q", specIndex, got)
		}
		if exp := "System Halted."; !strings.Contains(got, exp) {
			t.Errorf("[spec %d] expected output to contain %q; got %q", specIndex, exp, got)
		}

		for _, exp := range spec.exp {
			if !strings.Contains(got, exp) {
				t.Errorf("[spec %d] expected error code %d to decode as %q; got %q", specIndex, spec.errorCode, exp, got)
			}
		}
		for _, notExp := range spec.notExp {
			if strings.Contains(got, notExp) {
				t.Errorf("[spec %d] expected error code %d not to decode as %q; got %q", specIndex, spec.errorCode, notExp, got)
			}
		}
	}
}
