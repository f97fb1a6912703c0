// Package kfmt provides a minimal, allocation-free formatted output
// implementation that can be used at any point of the kernel lifetime,
// including the early boot stages where no console driver is available yet.
package kfmt

import (
	"io"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")

	numFmtBuf = []byte("01234567890123456789012345678901")

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer is a ring buffer that stores Printf output emitted
	// before a console collaborator registers an output sink.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. If nil,
	// output is redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and copies any data
// accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf writes formatted output to the registered output sink. It supports
// a subset of the fmt.Printf verbs:
//
//	%s  the uninterpreted bytes of a string or byte slice
//	%d  integers in base 10
//	%x  integers in base 16, lower-case letters for a-f
//
// Width is specified by an optional decimal number immediately preceding the
// verb. String and base-10 values shorter than the width are left-padded with
// spaces; base-16 values are left-padded with zeroes.
//
// Printf never allocates; it can therefore be safely used by code that runs
// before (or instead of) the Go allocator, including the page fault handler.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextArgIndex int
		padLen       int
		fmtLen       = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		// Scan the optional pad length and the verb
		padLen = 0
		i++
	parseVerb:
		for ; i < fmtLen; i++ {
			ch := format[i]
			switch {
			case ch == '%':
				writeByte(w, '%')
				break parseVerb
			case ch >= '0' && ch <= '9':
				padLen = (padLen * 10) + int(ch-'0')
			case ch == 'd' || ch == 'x' || ch == 's':
				if nextArgIndex >= len(args) {
					doWrite(w, errMissingArg)
					break parseVerb
				}

				switch ch {
				case 'd':
					fmtInt(w, args[nextArgIndex], 10, padLen)
				case 'x':
					fmtInt(w, args[nextArgIndex], 16, padLen)
				case 's':
					fmtString(w, args[nextArgIndex], padLen)
				}

				nextArgIndex++
				break parseVerb
			default:
				doWrite(w, errNoVerb)
				break parseVerb
			}
		}
	}

	// Check for unused args
	for ; nextArgIndex < len(args); nextArgIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		for i := padLen - len(castedVal); i > 0; i-- {
			writeByte(w, ' ')
		}

		// converting the string to a byte slice would trigger a memory
		// allocation so we need to write it one byte at a time.
		for i := 0; i < len(castedVal); i++ {
			writeByte(w, castedVal[i])
		}
	case []byte:
		for i := padLen - len(castedVal); i > 0; i-- {
			writeByte(w, ' ')
		}
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. This function supports all built-in signed
// and unsigned integer types.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		sval  int64
		uval  uint64
		padCh byte
		neg   bool
	)

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	switch base {
	case 10:
		padCh = ' '
	case 16:
		padCh = '0'
	}

	switch castedVal := v.(type) {
	case uint8:
		uval = uint64(castedVal)
	case uint16:
		uval = uint64(castedVal)
	case uint32:
		uval = uint64(castedVal)
	case uint64:
		uval = castedVal
	case uintptr:
		uval = uint64(castedVal)
	case uint:
		uval = uint64(castedVal)
	case int8:
		sval = int64(castedVal)
	case int16:
		sval = int64(castedVal)
	case int32:
		sval = int64(castedVal)
	case int64:
		sval = castedVal
	case int:
		sval = int64(castedVal)
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if sval < 0 {
		neg = true
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	// Emit the digits in reverse order
	right := 0
	for {
		remainder := uval % uint64(base)
		if remainder < 10 {
			numFmtBuf[right] = byte(remainder) + '0'
		} else {
			numFmtBuf[right] = byte(remainder-10) + 'a'
		}

		right++

		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	if neg {
		numFmtBuf[right] = '-'
		right++
	}

	// Apply padding if required
	for ; right < padLen; right++ {
		numFmtBuf[right] = padCh
	}

	// Reverse in place and write out
	for left, end := 0, right-1; left < end; left, end = left+1, end-1 {
		numFmtBuf[left], numFmtBuf[end] = numFmtBuf[end], numFmtBuf[left]
	}

	doWrite(w, numFmtBuf[0:right])
}

// writeByte emits a single byte through the shared single-byte buffer.
// Sub-slicing a string argument would trigger a memory allocation which must
// be avoided at all costs while the heap is not yet available.
func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

func doWrite(w io.Writer, p []byte) {
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}
