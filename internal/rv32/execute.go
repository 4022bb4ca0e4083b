package rv32

// stepResult carries the architectural effect of one decoded instruction,
// to be committed by the caller once it is known no trap occurred.
type stepResult struct {
	RdNum  uint32
	RdVal  uint32
	HasRd  bool
	NextPC uint32
}

func rdResult(rdNum, val, nextPC uint32) stepResult {
	return stepResult{RdNum: rdNum, RdVal: val, HasRd: true, NextPC: nextPC}
}

func noRdResult(nextPC uint32) stepResult {
	return stepResult{NextPC: nextPC}
}

// execute32 decodes and executes one 32-bit instruction. pc is the address
// it was fetched from (instr's own address, not pc+length).
func execute32(c *CPU, bus *Bus, instr, pc uint32) (stepResult, error) {
	op := opcode(instr)
	next := pc + 4

	switch op {
	case OpcLui:
		return rdResult(rd(instr), immU(instr), next), nil

	case OpcAuipc:
		return rdResult(rd(instr), pc+immU(instr), next), nil

	case OpcJal:
		target := pc + immJ(instr)
		return rdResult(rd(instr), next, target), nil

	case OpcJalr:
		base := c.ReadReg(rs1(instr))
		target := (base + immI(instr)) &^ 1
		return rdResult(rd(instr), next, target), nil

	case OpcBranch:
		taken, err := evalBranch(c, instr)
		if err != nil {
			return stepResult{}, err
		}
		if taken {
			return noRdResult(pc + immB(instr)), nil
		}
		return noRdResult(next), nil

	case OpcOpImm:
		v, err := evalALU(c, instr, true)
		if err != nil {
			return stepResult{}, err
		}
		return rdResult(rd(instr), v, next), nil

	case OpcOp:
		v, err := evalALU(c, instr, false)
		if err != nil {
			return stepResult{}, err
		}
		return rdResult(rd(instr), v, next), nil

	case OpcLoad:
		v, err := execLoad(c, bus, instr)
		if err != nil {
			return stepResult{}, err
		}
		return rdResult(rd(instr), v, next), nil

	case OpcStore:
		if err := execStore(c, bus, instr); err != nil {
			return stepResult{}, err
		}
		return noRdResult(next), nil

	case OpcAmo:
		v, err := execAmoInstr(c, bus, instr)
		if err != nil {
			return stepResult{}, err
		}
		return rdResult(rd(instr), v, next), nil

	case OpcMiscMem:
		// fence / fence.i: no cache or TLB to invalidate.
		return noRdResult(next), nil

	case OpcSystem:
		return execSystem(c, bus, instr, pc, next)
	}

	return stepResult{}, Exception(CauseIllegalInstr, instr)
}

func evalBranch(c *CPU, instr uint32) (bool, error) {
	a, b := c.ReadReg(rs1(instr)), c.ReadReg(rs2(instr))
	switch funct3(instr) {
	case 0x0:
		return a == b, nil
	case 0x1:
		return a != b, nil
	case 0x4:
		return int32(a) < int32(b), nil
	case 0x5:
		return int32(a) >= int32(b), nil
	case 0x6:
		return a < b, nil
	case 0x7:
		return a >= b, nil
	}
	return false, Exception(CauseIllegalInstr, instr)
}

func evalALU(c *CPU, instr uint32, isImm bool) (uint32, error) {
	a := c.ReadReg(rs1(instr))
	var b uint32
	if isImm {
		b = immI(instr)
	} else {
		b = c.ReadReg(rs2(instr))
	}
	f3 := funct3(instr)
	f7 := funct7(instr)

	if !isImm && f7 == 0x01 {
		return evalMulDiv(f3, a, b)
	}

	switch f3 {
	case 0x0:
		if !isImm && f7 == 0x20 {
			return a - b, nil
		}
		return a + b, nil
	case 0x1:
		return a << (b & 0x1F), nil
	case 0x2:
		if int32(a) < int32(b) {
			return 1, nil
		}
		return 0, nil
	case 0x3:
		if a < b {
			return 1, nil
		}
		return 0, nil
	case 0x4:
		return a ^ b, nil
	case 0x5:
		if f7 == 0x20 {
			return uint32(int32(a) >> (b & 0x1F)), nil
		}
		return a >> (b & 0x1F), nil
	case 0x6:
		return a | b, nil
	case 0x7:
		return a & b, nil
	}
	return 0, Exception(CauseIllegalInstr, instr)
}

func evalMulDiv(f3, a, b uint32) (uint32, error) {
	switch f3 {
	case 0x0: // MUL
		return a * b, nil
	case 0x1: // MULH
		return uint32((int64(int32(a)) * int64(int32(b))) >> 32), nil
	case 0x2: // MULHSU
		return uint32((int64(int32(a)) * int64(uint64(b))) >> 32), nil
	case 0x3: // MULHU
		return uint32((uint64(a) * uint64(b)) >> 32), nil
	case 0x4: // DIV
		if b == 0 {
			return 0xFFFFFFFF, nil
		}
		if a == 0x80000000 && b == 0xFFFFFFFF {
			return a, nil
		}
		return uint32(int32(a) / int32(b)), nil
	case 0x5: // DIVU
		if b == 0 {
			return 0xFFFFFFFF, nil
		}
		return a / b, nil
	case 0x6: // REM
		if b == 0 {
			return a, nil
		}
		if a == 0x80000000 && b == 0xFFFFFFFF {
			return 0, nil
		}
		return uint32(int32(a) % int32(b)), nil
	case 0x7: // REMU
		if b == 0 {
			return a, nil
		}
		return a % b, nil
	}
	return 0, nil
}

// misaligned reports whether addr is not a multiple of size.
func misaligned(addr uint32, size uint32) bool {
	return addr&(size-1) != 0
}

func execLoad(c *CPU, bus *Bus, instr uint32) (uint32, error) {
	f3 := funct3(instr)
	vaddr := c.ReadReg(rs1(instr)) + immI(instr)

	var size uint32
	switch f3 {
	case 0x0, 0x4: // LB, LBU
		size = 1
	case 0x1, 0x5: // LH, LHU
		size = 2
	case 0x2: // LW
		size = 4
	default:
		return 0, Exception(CauseIllegalInstr, instr)
	}

	raw, err := loadSized(c, bus, vaddr, size)
	if err != nil {
		return 0, err
	}

	switch f3 {
	case 0x0:
		return sext(raw, 7), nil
	case 0x1:
		return sext(raw, 15), nil
	}
	return raw, nil
}

func execStore(c *CPU, bus *Bus, instr uint32) error {
	f3 := funct3(instr)
	vaddr := c.ReadReg(rs1(instr)) + immS(instr)
	val := c.ReadReg(rs2(instr))

	var size uint32
	switch f3 {
	case 0x0:
		size = 1
	case 0x1:
		size = 2
	case 0x2:
		size = 4
	default:
		return Exception(CauseIllegalInstr, instr)
	}
	return storeSized(c, bus, vaddr, size, val)
}

// loadSized performs the alignment check, Sv32 translation, and bus read
// shared by every load width; the caller applies sign extension.
func loadSized(c *CPU, bus *Bus, vaddr, size uint32) (uint32, error) {
	if misaligned(vaddr, size) {
		return 0, Exception(CauseLoadMisaligned, vaddr)
	}
	paddr, err := TranslateLS(c, bus, vaddr, PTERead)
	if err != nil {
		return 0, err
	}
	var raw uint32
	var ok bool
	switch size {
	case 1:
		raw, ok = bus.Read8(paddr)
	case 2:
		raw, ok = bus.Read16(paddr)
	case 4:
		raw, ok = bus.Read32(paddr)
	}
	if !ok {
		return 0, Exception(CauseLoadAccessFault, vaddr)
	}
	return raw, nil
}

// storeSized performs the alignment check, Sv32 translation, and bus write
// shared by every store width.
func storeSized(c *CPU, bus *Bus, vaddr, size, val uint32) error {
	if misaligned(vaddr, size) {
		return Exception(CauseStoreMisaligned, vaddr)
	}
	paddr, err := TranslateLS(c, bus, vaddr, PTEWrite)
	if err != nil {
		return err
	}
	var ok bool
	switch size {
	case 1:
		ok = bus.Write8(paddr, val)
	case 2:
		ok = bus.Write16(paddr, val)
	case 4:
		ok = bus.Write32(paddr, val)
	}
	if !ok {
		return Exception(CauseStoreAccessFault, vaddr)
	}
	return nil
}

func execAmoInstr(c *CPU, bus *Bus, instr uint32) (uint32, error) {
	if funct3(instr) != 0x2 {
		return 0, Exception(CauseIllegalInstr, instr)
	}
	funct5 := instr >> 27
	vaddr := c.ReadReg(rs1(instr))
	rs2val := c.ReadReg(rs2(instr))
	return execAMO(c, bus, funct5, vaddr, rs2val)
}

func execSystem(c *CPU, bus *Bus, instr, pc, next uint32) (stepResult, error) {
	f3 := funct3(instr)

	if f3 == Funct3Priv {
		switch instr {
		case InstrEcall:
			cause := uint32(CauseEcallU)
			switch c.Priv {
			case PrivS:
				cause = CauseEcallS
			case PrivM:
				cause = CauseEcallM
			}
			return stepResult{}, Exception(cause, 0)

		case InstrEbreak:
			return stepResult{}, Exception(CauseBreakpoint, 0)

		case InstrMret:
			if c.Priv != PrivM {
				return stepResult{}, Exception(CauseIllegalInstr, instr)
			}
			return noRdResult(c.CSR.Mret(&c.Priv)), nil

		case InstrSret:
			if c.Priv < PrivS {
				return stepResult{}, Exception(CauseIllegalInstr, instr)
			}
			target, illegal := c.CSR.Sret(&c.Priv)
			if illegal {
				return stepResult{}, Exception(CauseIllegalInstr, instr)
			}
			return noRdResult(target), nil

		case InstrWfi:
			return noRdResult(next), nil
		}

		if instr&SfenceVmaMask == SfenceVmaBits {
			if !PermitSfenceVMA(c.Priv, c.CSR.Mstatus) {
				return stepResult{}, Exception(CauseIllegalInstr, instr)
			}
			return noRdResult(next), nil
		}

		return stepResult{}, Exception(CauseIllegalInstr, instr)
	}

	return execCSR(c, instr, next)
}

func execCSR(c *CPU, instr, next uint32) (stepResult, error) {
	f3 := funct3(instr)
	addr := instr >> 20
	rdNum := rd(instr)

	var op CSROp
	var writeOperand uint32
	var writeUnconditional bool

	switch f3 {
	case Funct3Csrrw:
		op, writeUnconditional = CSROpWrite, true
		writeOperand = c.ReadReg(rs1(instr))
	case Funct3Csrrs:
		op = CSROpSet
		writeOperand = c.ReadReg(rs1(instr))
		writeUnconditional = rs1(instr) != 0
	case Funct3Csrrc:
		op = CSROpClear
		writeOperand = c.ReadReg(rs1(instr))
		writeUnconditional = rs1(instr) != 0
	case Funct3Csrrwi:
		op, writeUnconditional = CSROpWrite, true
		writeOperand = rs1(instr)
	case Funct3Csrrsi:
		op = CSROpSet
		writeOperand = rs1(instr)
		writeUnconditional = rs1(instr) != 0
	case Funct3Csrrci:
		op = CSROpClear
		writeOperand = rs1(instr)
		writeUnconditional = rs1(instr) != 0
	default:
		return stepResult{}, Exception(CauseIllegalInstr, instr)
	}

	skipRead := op == CSROpWrite && rdNum == 0

	var oldVal uint32
	if !skipRead {
		v, ok := c.CSR.Read(addr, c.Priv)
		if !ok {
			return stepResult{}, Exception(CauseIllegalInstr, instr)
		}
		oldVal = v
	}

	if writeUnconditional {
		if !c.CSR.Write(addr, writeOperand, op, c.Priv) {
			return stepResult{}, Exception(CauseIllegalInstr, instr)
		}
	}

	return rdResult(rdNum, oldVal, next), nil
}
