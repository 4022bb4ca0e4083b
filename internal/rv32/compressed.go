package rv32

// Compressed-register fields name registers x8-x15 via a 3-bit encoding.
func cReg(instr uint32, hi, lo uint) uint32 { return bits(instr, hi, lo) + 8 }

func immCI(instr uint32) uint32 {
	v := bits(instr, 12, 12)<<5 | bits(instr, 6, 2)
	return sext(v, 5)
}

func immCSS(instr uint32) uint32 {
	return bits(instr, 12, 9)<<2 | bits(instr, 8, 7)<<6
}

func immCL(instr uint32) uint32 {
	return bits(instr, 12, 10)<<3 | bits(instr, 6, 6)<<2 | bits(instr, 5, 5)<<6
}

func immCIW(instr uint32) uint32 {
	return bits(instr, 12, 11)<<4 | bits(instr, 10, 7)<<6 | bits(instr, 6, 6)<<2 | bits(instr, 5, 5)<<3
}

func immCB(instr uint32) uint32 {
	v := bits(instr, 12, 12)<<8 | bits(instr, 11, 10)<<3 | bits(instr, 6, 5)<<6 |
		bits(instr, 4, 3)<<1 | bits(instr, 2, 2)<<5
	return sext(v, 8)
}

func immCLUI(instr uint32) uint32 {
	v := bits(instr, 12, 12)<<17 | bits(instr, 6, 2)<<12
	return sext(v, 17)
}

func immCAddi16sp(instr uint32) uint32 {
	v := bits(instr, 12, 12)<<9 | bits(instr, 6, 6)<<4 | bits(instr, 5, 5)<<6 |
		bits(instr, 4, 3)<<7 | bits(instr, 2, 2)<<5
	return sext(v, 9)
}

func immCJ(instr uint32) uint32 {
	v := bits(instr, 12, 12)<<11 | bits(instr, 11, 11)<<4 | bits(instr, 10, 9)<<8 |
		bits(instr, 8, 8)<<10 | bits(instr, 7, 7)<<6 | bits(instr, 6, 6)<<7 |
		bits(instr, 5, 3)<<1 | bits(instr, 2, 2)<<5
	return sext(v, 11)
}

func immCLWSP(instr uint32) uint32 {
	return bits(instr, 12, 12)<<5 | bits(instr, 6, 4)<<2 | bits(instr, 3, 2)<<6
}

// execute16 decodes and executes one 16-bit compressed instruction, never
// materializing an expanded 32-bit word: it extracts operands and produces
// an effect directly, matching the commit shape of execute32.
func execute16(c *CPU, bus *Bus, rawInstr uint16, pc uint32) (stepResult, error) {
	instr := uint32(rawInstr)
	next := pc + 2
	quadrant := instr & 0x3
	f3 := bits(instr, 15, 13)

	switch quadrant {
	case 0x0:
		switch f3 {
		case 0x0: // C.ADDI4SPN
			imm := immCIW(instr)
			if imm == 0 {
				return stepResult{}, Exception(CauseIllegalInstr, instr)
			}
			rdp := cReg(instr, 4, 2)
			return rdResult(rdp, c.ReadReg(2)+imm, next), nil

		case 0x2: // C.LW
			rs1p := cReg(instr, 9, 7)
			rdp := cReg(instr, 4, 2)
			vaddr := c.ReadReg(rs1p) + immCL(instr)
			v, err := loadSized(c, bus, vaddr, 4)
			if err != nil {
				return stepResult{}, err
			}
			return rdResult(rdp, v, next), nil

		case 0x6: // C.SW
			rs1p := cReg(instr, 9, 7)
			rs2p := cReg(instr, 4, 2)
			vaddr := c.ReadReg(rs1p) + immCL(instr)
			if err := storeSized(c, bus, vaddr, 4, c.ReadReg(rs2p)); err != nil {
				return stepResult{}, err
			}
			return noRdResult(next), nil
		}
		return stepResult{}, Exception(CauseIllegalInstr, instr)

	case 0x1:
		switch f3 {
		case 0x0: // C.ADDI / C.NOP
			r := bits(instr, 11, 7)
			return rdResult(r, c.ReadReg(r)+immCI(instr), next), nil

		case 0x1: // C.JAL
			target := pc + immCJ(instr)
			return rdResult(1, next, target), nil

		case 0x2: // C.LI
			r := bits(instr, 11, 7)
			return rdResult(r, immCI(instr), next), nil

		case 0x3: // C.LUI / C.ADDI16SP
			r := bits(instr, 11, 7)
			if r == 2 {
				return rdResult(2, c.ReadReg(2)+immCAddi16sp(instr), next), nil
			}
			return rdResult(r, immCLUI(instr), next), nil

		case 0x4:
			return execC4(c, instr, next)

		case 0x5: // C.J
			return noRdResult(pc + immCJ(instr)), nil

		case 0x6: // C.BEQZ
			if c.ReadReg(cReg(instr, 9, 7)) == 0 {
				return noRdResult(pc + immCB(instr)), nil
			}
			return noRdResult(next), nil

		case 0x7: // C.BNEZ
			if c.ReadReg(cReg(instr, 9, 7)) != 0 {
				return noRdResult(pc + immCB(instr)), nil
			}
			return noRdResult(next), nil
		}
		return stepResult{}, Exception(CauseIllegalInstr, instr)

	case 0x2:
		switch f3 {
		case 0x0: // C.SLLI
			r := bits(instr, 11, 7)
			shamt := bits(instr, 6, 2)
			return rdResult(r, c.ReadReg(r)<<shamt, next), nil

		case 0x2: // C.LWSP
			r := bits(instr, 11, 7)
			vaddr := c.ReadReg(2) + immCLWSP(instr)
			v, err := loadSized(c, bus, vaddr, 4)
			if err != nil {
				return stepResult{}, err
			}
			return rdResult(r, v, next), nil

		case 0x4:
			return execC6(c, instr, next)

		case 0x6: // C.SWSP
			rs2 := bits(instr, 6, 2)
			vaddr := c.ReadReg(2) + immCSS(instr)
			if err := storeSized(c, bus, vaddr, 4, c.ReadReg(rs2)); err != nil {
				return stepResult{}, err
			}
			return noRdResult(next), nil
		}
		return stepResult{}, Exception(CauseIllegalInstr, instr)
	}

	return stepResult{}, Exception(CauseIllegalInstr, instr)
}

// execC4 handles quadrant 1, funct3=100: C.SRLI/C.SRAI/C.ANDI/C.SUB/C.XOR/
// C.OR/C.AND, selected by bits [11:10] and, for the register-register
// forms, bits [6:5].
func execC4(c *CPU, instr, next uint32) (stepResult, error) {
	sel := bits(instr, 11, 10)
	rdp := cReg(instr, 9, 7)

	switch sel {
	case 0x0: // C.SRLI
		shamt := bits(instr, 6, 2)
		return rdResult(rdp, c.ReadReg(rdp)>>shamt, next), nil
	case 0x1: // C.SRAI
		shamt := bits(instr, 6, 2)
		return rdResult(rdp, uint32(int32(c.ReadReg(rdp))>>shamt), next), nil
	case 0x2: // C.ANDI
		return rdResult(rdp, c.ReadReg(rdp)&immCI(instr), next), nil
	case 0x3:
		rs2p := cReg(instr, 4, 2)
		a, b := c.ReadReg(rdp), c.ReadReg(rs2p)
		switch bits(instr, 6, 5) {
		case 0x0:
			return rdResult(rdp, a-b, next), nil
		case 0x1:
			return rdResult(rdp, a^b, next), nil
		case 0x2:
			return rdResult(rdp, a|b, next), nil
		case 0x3:
			return rdResult(rdp, a&b, next), nil
		}
	}
	return stepResult{}, Exception(CauseIllegalInstr, instr)
}

// execC6 handles quadrant 2, funct3=100: C.JR/C.MV/C.EBREAK/C.JALR/C.ADD,
// selected by bit 12 and whether the rs2 field is zero.
func execC6(c *CPU, instr, next uint32) (stepResult, error) {
	r1 := bits(instr, 11, 7)
	r2 := bits(instr, 6, 2)

	if bits(instr, 12, 12) == 0 {
		if r2 == 0 { // C.JR
			if r1 == 0 {
				return stepResult{}, Exception(CauseIllegalInstr, instr)
			}
			return noRdResult(c.ReadReg(r1) &^ 1), nil
		}
		// C.MV
		return rdResult(r1, c.ReadReg(r2), next), nil
	}

	if r1 == 0 && r2 == 0 { // C.EBREAK
		return stepResult{}, Exception(CauseBreakpoint, 0)
	}
	if r2 == 0 { // C.JALR
		target := c.ReadReg(r1) &^ 1
		return rdResult(1, next, target), nil
	}
	// C.ADD
	return rdResult(r1, c.ReadReg(r1)+c.ReadReg(r2), next), nil
}
