package rv32

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine(
		64*1024,
		NewTestHarness(&bytes.Buffer{}),
		NewUART(&bytes.Buffer{}, nil),
		NewMTimer(),
	)
	m.CPU.PC = RAMBase
	return m
}

func runN(t *testing.T, m *Machine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := m.Step(); err != nil {
			var halt *HaltError
			if errors.As(err, &halt) {
				return
			}
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

// encodeI builds a 32-bit I-type instruction.
func encodeI(opcode, f3, rdN, rs1N uint32, imm int32) uint32 {
	return (uint32(imm)&0xFFF)<<20 | rs1N<<15 | f3<<12 | rdN<<7 | opcode
}

func encodeR(opcode, f3, f7, rdN, rs1N, rs2N uint32) uint32 {
	return f7<<25 | rs2N<<20 | rs1N<<15 | f3<<12 | rdN<<7 | opcode
}

func encodeS(opcode, f3, rs1N, rs2N uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5&0x7F)<<25 | rs2N<<20 | rs1N<<15 | f3<<12 | (u&0x1F)<<7 | opcode
}

func TestScenario1AddiChain(t *testing.T) {
	m := newTestMachine(t)
	m.Bus.Write32(RAMBase, encodeI(OpcOpImm, 0, 1, 0, -1))
	m.Bus.Write32(RAMBase+4, encodeI(OpcOpImm, 0, 2, 1, 1))
	runN(t, m, 2)
	if m.CPU.X[1] != 0xffffffff {
		t.Fatalf("x1 = %#x, want 0xffffffff", m.CPU.X[1])
	}
	if m.CPU.X[2] != 0 {
		t.Fatalf("x2 = %#x, want 0", m.CPU.X[2])
	}
}

func TestScenario2StoreLoadWord(t *testing.T) {
	m := newTestMachine(t)
	sp := uint32(0x80001000)
	m.CPU.X[2] = sp
	m.CPU.X[10] = 0xdead
	m.Bus.Write32(RAMBase, encodeS(OpcStore, 0x2, 2, 10, 0))  // sw a0,0(sp)
	m.Bus.Write32(RAMBase+4, encodeI(OpcLoad, 0x2, 11, 2, 0)) // lw a1,0(sp)
	runN(t, m, 2)
	if m.CPU.X[11] != 0xdead {
		t.Fatalf("x11 = %#x, want 0xdead", m.CPU.X[11])
	}
	v, ok := m.Bus.Read32(sp)
	if !ok || v != 0xdead {
		t.Fatalf("mem[sp] = %#x ok=%v, want 0xdead", v, ok)
	}
}

func TestScenario3MstatusAfterResetIsZero(t *testing.T) {
	m := newTestMachine(t)
	m.Bus.Write32(RAMBase, encodeI(OpcSystem, Funct3Csrrs, 5, 0, int32(CSRMstatus)))
	runN(t, m, 1)
	if m.CPU.X[5] != 0 {
		t.Fatalf("mstatus after reset = %#x, want 0", m.CPU.X[5])
	}
}

func TestScenario4IllegalInstruction(t *testing.T) {
	m := newTestMachine(t)
	m.Bus.Write32(RAMBase, 0x00000000)
	runN(t, m, 1)
	if m.CPU.CSR.Mcause != CauseIllegalInstr {
		t.Fatalf("mcause = %d, want %d", m.CPU.CSR.Mcause, CauseIllegalInstr)
	}
	if m.CPU.CSR.Mepc != RAMBase {
		t.Fatalf("mepc = %#x, want %#x", m.CPU.CSR.Mepc, RAMBase)
	}
	if m.CPU.CSR.Mtval != 0 {
		t.Fatalf("mtval = %#x, want 0", m.CPU.CSR.Mtval)
	}
	if m.CPU.Priv != PrivM {
		t.Fatalf("priv = %d, want M", m.CPU.Priv)
	}
	if m.CPU.PC != m.CPU.CSR.Mtvec {
		t.Fatalf("pc = %#x, want mtvec base %#x", m.CPU.PC, m.CPU.CSR.Mtvec)
	}
}

func TestScenario5EcallDelegatedToS(t *testing.T) {
	m := newTestMachine(t)
	m.CPU.Priv = PrivU
	m.CPU.CSR.Medeleg = 1 << CauseEcallU
	m.Bus.Write32(RAMBase, InstrEcall)
	runN(t, m, 1)
	if m.CPU.Priv != PrivS {
		t.Fatalf("priv = %d, want S", m.CPU.Priv)
	}
	if m.CPU.CSR.Scause != CauseEcallU {
		t.Fatalf("scause = %d, want %d", m.CPU.CSR.Scause, CauseEcallU)
	}
	if m.CPU.CSR.Sepc != RAMBase {
		t.Fatalf("sepc = %#x, want %#x", m.CPU.CSR.Sepc, RAMBase)
	}
}

func TestScenario6LRSC(t *testing.T) {
	m := newTestMachine(t)
	addr := uint32(0x80002000)
	m.CPU.X[1] = addr
	m.CPU.X[2] = 0x1234

	lr := encodeR(OpcAmo, 0x2, AmoLR<<2, 10, 1, 0)
	sc := encodeR(OpcAmo, 0x2, AmoSC<<2, 11, 1, 2)

	m.Bus.Write32(RAMBase, lr)
	m.Bus.Write32(RAMBase+4, sc)
	m.Bus.Write32(RAMBase+8, sc)
	runN(t, m, 2)

	if m.CPU.X[11] != 0 {
		t.Fatalf("first sc rd = %d, want 0", m.CPU.X[11])
	}
	v, _ := m.Bus.Read32(addr)
	if v != 0x1234 {
		t.Fatalf("mem = %#x, want 0x1234", v)
	}

	runN(t, m, 1)
	if m.CPU.X[11] != 1 {
		t.Fatalf("second sc rd = %d, want 1", m.CPU.X[11])
	}

	m2 := newTestMachine(t)
	m2.Bus.Write32(RAMBase, sc)
	runN(t, m2, 1)
	if m2.CPU.X[11] != 1 {
		t.Fatalf("sc without lr rd = %d, want 1", m2.CPU.X[11])
	}
}

func TestX0Sink(t *testing.T) {
	m := newTestMachine(t)
	m.Bus.Write32(RAMBase, encodeI(OpcOpImm, 0, 0, 0, 42))
	runN(t, m, 1)
	if m.CPU.ReadReg(0) != 0 {
		t.Fatalf("x0 = %d, want 0", m.CPU.ReadReg(0))
	}
}

func TestCSRWARLRoundTripMcounteren(t *testing.T) {
	var c CSRFile
	c.init()
	c.Write(CSRMcounteren, 0xFFFFFFFF, CSROpWrite, PrivM)
	v, ok := c.Read(CSRMcounteren, PrivM)
	if !ok || v != 0x7 {
		t.Fatalf("mcounteren = %#x ok=%v, want 0x7", v, ok)
	}
}

func TestCSRReadOnlyCycleWriteFails(t *testing.T) {
	var c CSRFile
	c.init()
	if c.Write(CSRCycle, 123, CSROpWrite, PrivM) {
		t.Fatalf("write to cycle should fail")
	}
}

func TestPCLengthRuleUncompressed(t *testing.T) {
	m := newTestMachine(t)
	m.Bus.Write32(RAMBase, encodeI(OpcOpImm, 0, 1, 0, 1))
	runN(t, m, 1)
	if m.CPU.PC != RAMBase+4 {
		t.Fatalf("pc = %#x, want %#x", m.CPU.PC, RAMBase+4)
	}
}

func TestImmediateSignExtension(t *testing.T) {
	cases := []struct {
		instr uint32
		want  uint32
	}{
		{encodeI(OpcOpImm, 0, 0, 0, -2048), 0xfffff800},
		{encodeI(OpcOpImm, 0, 0, 0, 2047), 0x000007ff},
		{encodeI(OpcOpImm, 0, 0, 0, -1), 0xffffffff},
	}
	for _, c := range cases {
		if got := immI(c.instr); got != c.want {
			t.Errorf("immI(%#x) = %#x, want %#x", c.instr, got, c.want)
		}
	}
}

func TestTrapAtomicity(t *testing.T) {
	m := newTestMachine(t)
	m.CPU.X[3] = 0xdeadbeef
	before := m.CPU.X[3]
	beforePC := m.CPU.PC
	m.Bus.Write32(RAMBase, 0x00000000) // illegal
	runN(t, m, 1)
	if m.CPU.X[3] != before {
		t.Fatalf("x3 changed across trap: %#x -> %#x", before, m.CPU.X[3])
	}
	if m.CPU.CSR.Mepc != beforePC {
		t.Fatalf("mepc %#x != faulting pc %#x", m.CPU.CSR.Mepc, beforePC)
	}
}

func TestMretRestoresPrivAndPC(t *testing.T) {
	var csr CSRFile
	csr.init()
	priv := uint8(PrivS)
	epc := csr.EnterTrap(&priv, CauseIllegalInstr, 0x1000, 0)
	if priv != PrivM {
		t.Fatalf("target priv = %d, want M", priv)
	}
	_ = epc
	pc := csr.Mret(&priv)
	if priv != PrivS {
		t.Fatalf("priv after mret = %d, want S", priv)
	}
	if pc != 0x1000 {
		t.Fatalf("pc after mret = %#x, want 0x1000", pc)
	}
}

func TestIRQMaskingMIEClearBlocksMIRQInM(t *testing.T) {
	var csr CSRFile
	csr.init()
	csr.Mie = IrqMEI
	csr.IrqExternal = true
	csr.Mstatus &^= StatusMIE
	if _, ok := csr.pendingInterrupt(PrivM); ok {
		t.Fatalf("M-mode IRQ taken while mstatus.MIE=0 at priv=M")
	}
}

func TestIRQTakenInLowerPrivRegardlessOfMIE(t *testing.T) {
	var csr CSRFile
	csr.init()
	csr.Mie = IrqMEI
	csr.IrqExternal = true
	csr.Mstatus &^= StatusMIE
	if _, ok := csr.pendingInterrupt(PrivU); !ok {
		t.Fatalf("enabled M-IRQ should be taken from U regardless of MIE")
	}
}

func TestSv32SuperpageMisalignedFaults(t *testing.T) {
	m := newTestMachine(t)
	const satpBase = uint32(0x80008000)
	m.CPU.CSR.Satp = (SatpModeSv32 << SatpModeShift) | (satpBase >> 12)
	// Level-1 PTE with a nonzero low PPN field, marked as a leaf.
	m.Bus.Write32(satpBase, PTEValid|PTERead|PTEWrite|0x00000400)
	m.CPU.Priv = PrivS

	_, err := TranslateLS(m.CPU, m.Bus, 0x00000000, PTERead)
	var ex *ExceptionError
	if !errors.As(err, &ex) || ex.Cause != CauseLoadPageFault {
		t.Fatalf("expected load page fault, got %v", err)
	}
}

func TestADBitsUpdatedAndPersisted(t *testing.T) {
	m := newTestMachine(t)
	const satpBase = uint32(0x80008000)
	const leafPA = uint32(0x80400000)
	m.CPU.CSR.Satp = (SatpModeSv32 << SatpModeShift) | (satpBase >> 12)
	m.Bus.Write32(satpBase, PTEValid|PTERead|PTEWrite|PTEUser|((leafPA>>22)<<20))
	m.CPU.Priv = PrivS
	m.CPU.CSR.Mstatus |= StatusSUM

	_, err := TranslateLS(m.CPU, m.Bus, 0x00000000, PTEWrite)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	pte, _ := m.Bus.Read32(satpBase)
	if pte&PTEAccessed == 0 || pte&PTEDirty == 0 {
		t.Fatalf("A/D bits not set: pte=%#x", pte)
	}
}

func TestRunHaltsOnTestHarnessExit(t *testing.T) {
	m := newTestMachine(t)
	m.CPU.X[6] = TestHarnessBase + 8
	m.Bus.Write32(RAMBase, encodeI(OpcOpImm, 0, 5, 0, 7))     // li x5, 7
	m.Bus.Write32(RAMBase+4, encodeS(OpcStore, 0x2, 6, 5, 0)) // sw x5, 0(x6)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.Run(ctx, 0)
	var halt *HaltError
	if !errors.As(err, &halt) {
		t.Fatalf("expected halt, got %v", err)
	}
	if halt.Code != 7 {
		t.Fatalf("exit code = %d, want 7", halt.Code)
	}
}
