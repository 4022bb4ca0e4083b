package rv32

import (
	"context"
	"errors"
)

// ErrHalt is the sentinel wrapped by the *HaltError that Step and Run
// return when the test-harness device requests a simulation exit.
var ErrHalt = errors.New("rv32: cpu requested halt")

// HaltError wraps ErrHalt with the exit code the guest provided.
type HaltError struct {
	Code uint32
}

func (h *HaltError) Error() string { return ErrHalt.Error() }
func (h *HaltError) Unwrap() error { return ErrHalt }

// Machine wires a CPU to a bus and owns the installed peripherals.
type Machine struct {
	CPU *CPU
	Bus *Bus

	Harness *TestHarness
	UART    *UART
	MTimer  *MTimer
}

// NewMachine builds a machine with ramSize bytes of RAM at RAMBase and the
// three standard peripherals installed at their default bases.
func NewMachine(ramSize uint32, harness *TestHarness, uart *UART, mtimer *MTimer) *Machine {
	m := &Machine{
		CPU:     NewCPU(RAMBase),
		Bus:     NewBus(RAMBase, ramSize),
		Harness: harness,
		UART:    uart,
		MTimer:  mtimer,
	}
	m.Bus.AddDevice(TestHarnessBase, harness)
	m.Bus.AddDevice(UARTBase, uart)
	m.Bus.AddDevice(MTimerBase, mtimer)
	return m
}

func fetchHalfword(c *CPU, bus *Bus, vaddr uint32) (uint32, error) {
	paddr, err := TranslateFetch(c, bus, vaddr)
	if err != nil {
		return 0, err
	}
	v, ok := bus.Read16(paddr)
	if !ok {
		return 0, Exception(CauseInstrAccessFault, vaddr)
	}
	return v, nil
}

// fetch reads one 16- or 32-bit instruction at pc, returning the raw word
// and its length in bytes.
func fetch(c *CPU, bus *Bus, pc uint32) (uint32, uint32, error) {
	lo, err := fetchHalfword(c, bus, pc)
	if err != nil {
		return 0, 0, err
	}
	if lo&0x3 != 0x3 {
		return lo, 2, nil
	}
	hi, err := fetchHalfword(c, bus, pc+2)
	if err != nil {
		return 0, 0, err
	}
	return lo | hi<<16, 4, nil
}

// Step executes exactly one instruction: fetch, decode/execute, trap or
// commit, post-commit interrupt check, counter tick.
func (m *Machine) Step() error {
	c, bus := m.CPU, m.Bus
	pc := c.PC

	instr, length, err := fetch(c, bus, pc)

	var res stepResult
	if err == nil {
		if length == 2 {
			res, err = execute16(c, bus, uint16(instr), pc)
		} else {
			res, err = execute32(c, bus, instr, pc)
		}
	}

	if err != nil {
		var ex *ExceptionError
		if !errors.As(err, &ex) {
			return err
		}
		c.PC = c.CSR.EnterTrap(&c.Priv, ex.Cause, pc, ex.Tval)
	} else {
		if res.HasRd {
			c.WriteReg(res.RdNum, res.RdVal)
		}
		c.PC = res.NextPC

		if cause, ok := c.CSR.pendingInterrupt(c.Priv); ok {
			c.PC = c.CSR.EnterTrap(&c.Priv, cause, c.PC, 0)
		}
	}

	c.CSR.StepCounters()

	if m.Harness.Halted {
		return &HaltError{Code: m.Harness.ExitCode}
	}
	return nil
}

// Run steps the machine until ctx is cancelled, maxCycles instructions have
// retired (0 = unlimited), or the guest halts. It returns ctx.Err() on
// cancellation, the *HaltError on a guest-requested halt, or nil after
// maxCycles.
func (m *Machine) Run(ctx context.Context, maxCycles uint64) error {
	var executed uint64
	for maxCycles == 0 || executed < maxCycles {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Step(); err != nil {
			return err
		}
		executed++

		if executed%4096 == 0 {
			m.MTimer.StepTime()
			c := m.CPU
			c.CSR.IrqTimer = m.MTimer.IRQStatus(0)
		}
	}
	return nil
}
