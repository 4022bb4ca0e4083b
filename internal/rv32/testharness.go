package rv32

import (
	"fmt"
	"io"
)

// TestHarness is a write-only diagnostic device: a putchar port, a puthex
// port, and an exit port that halts the simulation.
type TestHarness struct {
	Output io.Writer

	Halted   bool
	ExitCode uint32
}

// NewTestHarness returns a harness writing putchar/puthex output to w.
func NewTestHarness(w io.Writer) *TestHarness {
	return &TestHarness{Output: w}
}

func (h *TestHarness) Size() uint32 { return TestHarnessSize }

func (h *TestHarness) Read(offset uint32, size int) (uint32, bool) {
	return 0, true
}

func (h *TestHarness) Write(offset uint32, size int, value uint32) bool {
	switch offset {
	case 0x0:
		if h.Output != nil {
			h.Output.Write([]byte{byte(value)})
		}
		return true
	case 0x4:
		if h.Output != nil {
			fmt.Fprintf(h.Output, "%08x\n", value)
		}
		return true
	case 0x8:
		h.Halted = true
		h.ExitCode = value
		return true
	}
	return false
}

var _ Device = (*TestHarness)(nil)
