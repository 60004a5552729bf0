// Package kfmt implements the kernel's diagnostic output: an allocation-free
// subset of Printf, the buffer that holds output produced before the serial
// console is probed and the panic path.
package kfmt

import (
	"io"
	"unsafe"
)

const (
	// maxWidth caps the width of a formatted value.
	maxWidth = 64

	digits = "0123456789abcdef"
)

var (
	errMissingArg   = []byte("%!(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errBadVerb      = []byte("%!(BADVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numBuf holds the digits of a formatted integer. 20 digits fit the
	// largest uint64 in base 10.
	numBuf [20]byte

	// singleByte is used for passing single characters to doWrite.
	singleByte = []byte(" ")

	// earlyBuf keeps Printf output until a console is attached.
	earlyBuf earlyBuffer

	// outputSink receives Printf output. While nil, output goes to
	// earlyBuf.
	outputSink io.Writer
)

// SetOutputSink makes w the target of Printf and replays the output that
// was buffered while no sink was attached. If the early buffer overflowed, a
// line reporting the number of lost bytes precedes the replay. Passing nil
// detaches the current sink.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w == nil {
		return
	}

	if lost := earlyBuf.lost(); lost != 0 {
		Fprintf(w, "[kfmt] %d bytes of early output lost\n", lost)
	}
	earlyBuf.WriteTo(w)
}

// GetOutputSink returns the active output sink or nil if output is being
// buffered.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf formats according to format and writes to the active output sink.
// It never allocates, so it can run in interrupt handlers and before the
// kernel heap exists. The supported verbs are:
//
//	%s  string or []byte
//	%d  integer, base 10
//	%x  integer, base 16, lower-case
//	%t  bool
//	%%  a literal percent sign
//
// An optional decimal width precedes the verb. Strings, booleans and
// base-10 integers are left-padded with spaces; base-16 integers are
// left-padded with zeroes after the sign.
//
// Arguments must be built-in integer types, bool, string or []byte: the
// itables needed to look up io.Stringer or error are not available during
// early boot, and %v/%p would pull in reflect, whose calls into
// runtime.convT2E allocate.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to w. A nil w selects the early
// output buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var argIndex int

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			// passing format[i:j] to doWrite triggers an allocation
			writeByte(w, format[i])
			continue
		}

		width := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}
		if width > maxWidth {
			width = maxWidth
		}

		if i == len(format) {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'x', 's', 't':
		default:
			doWrite(w, errBadVerb)
			continue
		}

		if argIndex == len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		arg := args[argIndex]
		argIndex++

		switch verb {
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 's':
			fmtString(w, arg, width)
		case 't':
			fmtBool(w, arg, width)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}, width int) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		fmtRepeat(w, ' ', width-len(trueValue))
		doWrite(w, trueValue)
	default:
		fmtRepeat(w, ' ', width-len(falseValue))
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(s))
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		fmtRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes ch count times; a count <= 0 writes nothing.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt writes v in the given base. Digits are produced right to left into
// numBuf so no reversal is needed.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	val, neg, ok := toUint64(v)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	pos := len(numBuf)
	for {
		pos--
		numBuf[pos] = digits[val%base]
		if val /= base; val == 0 {
			break
		}
	}

	n := len(numBuf) - pos
	if neg {
		n++
	}

	if base == 16 {
		if neg {
			writeByte(w, '-')
		}
		fmtRepeat(w, '0', width-n)
	} else {
		fmtRepeat(w, ' ', width-n)
		if neg {
			writeByte(w, '-')
		}
	}

	doWrite(w, numBuf[pos:])
}

// toUint64 returns the magnitude and sign of a built-in integer value.
func toUint64(v interface{}) (val uint64, neg, ok bool) {
	var sval int64

	switch t := v.(type) {
	case uint8:
		return uint64(t), false, true
	case uint16:
		return uint64(t), false, true
	case uint32:
		return uint64(t), false, true
	case uint64:
		return t, false, true
	case uint:
		return uint64(t), false, true
	case uintptr:
		return uint64(t), false, true
	case int8:
		sval = int64(t)
	case int16:
		sval = int64(t)
	case int32:
		sval = int64(t)
	case int64:
		sval = t
	case int:
		sval = int64(t)
	default:
		return 0, false, false
	}

	if sval < 0 {
		// also correct for the most negative value
		return uint64(-sval), true, true
	}
	return uint64(sval), false, true
}

func writeByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	doWrite(w, singleByte)
}

// doWrite hides p from escape analysis. The call through the io.Writer
// interface would otherwise make the compiler move every formatted value
// to the heap, and the Go allocator is never initialized.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyBuf.Write(p)
	}
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
