// Package kfmt provides formatted output for the hypervisor. Output is
// written to a settable sink so that messages emitted before a console
// driver is attached are simply dropped instead of faulting.
package kfmt

import (
	"fmt"
	"io"
)

// outputSink is the writer where Printf sends its output. It defaults to
// a discarding writer until a console is attached via SetOutput.
var outputSink io.Writer = io.Discard

// SetOutput attaches a sink for the hypervisor's diagnostic output. Passing
// nil detaches the current sink.
func SetOutput(w io.Writer) {
	if w == nil {
		outputSink = io.Discard
		return
	}
	outputSink = w
}

// Printf formats its arguments and writes them to the attached sink.
func Printf(format string, args ...interface{}) {
	fmt.Fprintf(outputSink, format, args...)
}

// PutChar writes a single byte to the attached sink. It backs the legacy
// SBI console extension.
func PutChar(c byte) {
	outputSink.Write([]byte{c})
}
