package rv32

import "io"

// 16550 register offsets.
const (
	uartRBR = 0
	uartTHR = 0
	uartIER = 1
	uartIIR = 2
	uartFCR = 2
	uartLCR = 3
	uartMCR = 4
	uartLSR = 5
	uartMSR = 6
	uartSCR = 7
)

const (
	uartLSRDataReady = 1 << 0
	uartLSRTHREmpty  = 1 << 5
	uartLSRTxEmpty   = 1 << 6
)

const uartIIRNoInterrupt = 1 << 0

// UART is a minimal 16550-compatible device: THR/RBR, IER, IIR/FCR, LCR,
// MCR, LSR, MSR, SCR, and DLAB-banked DLL/DLH divisor latches.
type UART struct {
	Output io.Writer
	Input  io.Reader

	IER uint8
	IIR uint8
	LCR uint8
	MCR uint8
	MSR uint8
	SCR uint8
	DLL uint8
	DLH uint8

	inputBuffer []byte
	inputPos    int
}

// NewUART returns a UART writing guest output to out. in is stored in
// Input but never read; guest RBR reads are served only from bytes pushed
// via EnqueueInput.
func NewUART(out io.Writer, in io.Reader) *UART {
	return &UART{Output: out, Input: in, IIR: uartIIRNoInterrupt}
}

func (u *UART) Size() uint32 { return UARTSize }

func (u *UART) dlab() bool { return u.LCR&0x80 != 0 }

func (u *UART) lsr() uint8 {
	v := uint8(uartLSRTHREmpty | uartLSRTxEmpty)
	if len(u.inputBuffer) > u.inputPos {
		v |= uartLSRDataReady
	}
	return v
}

func (u *UART) Read(offset uint32, size int) (uint32, bool) {
	if size != 1 {
		return 0, false
	}
	switch offset {
	case uartRBR:
		if u.dlab() {
			return uint32(u.DLL), true
		}
		if u.inputPos < len(u.inputBuffer) {
			v := u.inputBuffer[u.inputPos]
			u.inputPos++
			if u.inputPos >= len(u.inputBuffer) {
				u.inputBuffer, u.inputPos = nil, 0
			}
			return uint32(v), true
		}
		return 0, true
	case uartIER:
		if u.dlab() {
			return uint32(u.DLH), true
		}
		return uint32(u.IER), true
	case uartIIR:
		return uint32(u.IIR), true
	case uartLCR:
		return uint32(u.LCR), true
	case uartMCR:
		return uint32(u.MCR), true
	case uartLSR:
		return uint32(u.lsr()), true
	case uartMSR:
		return uint32(u.MSR), true
	case uartSCR:
		return uint32(u.SCR), true
	}
	return 0, false
}

func (u *UART) Write(offset uint32, size int, value uint32) bool {
	if size != 1 {
		return false
	}
	data := uint8(value)
	switch offset {
	case uartTHR:
		if u.dlab() {
			u.DLL = data
			return true
		}
		if u.Output != nil {
			u.Output.Write([]byte{data})
		}
	case uartIER:
		if u.dlab() {
			u.DLH = data
			return true
		}
		u.IER = data
	case uartFCR:
		if data&0x02 != 0 {
			u.inputBuffer, u.inputPos = nil, 0
		}
	case uartLCR:
		u.LCR = data
	case uartMCR:
		u.MCR = data
	case uartSCR:
		u.SCR = data
	default:
		return false
	}
	return true
}

// EnqueueInput adds bytes to the receive buffer the guest will read via
// RBR.
func (u *UART) EnqueueInput(data []byte) {
	u.inputBuffer = append(u.inputBuffer, data...)
}

var _ Device = (*UART)(nil)
