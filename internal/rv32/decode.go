package rv32

// sext sign-extends the low (bit+1) bits of v.
func sext(v uint32, bit uint) uint32 {
	m := uint32(1) << bit
	return (v ^ m) - m
}

func bits(v uint32, hi, lo uint) uint32 {
	return (v >> lo) & ((1 << (hi - lo + 1)) - 1)
}

// immI extracts the sign-extended I-type immediate.
func immI(instr uint32) uint32 {
	return sext(instr>>20, 11)
}

// immS extracts the sign-extended S-type immediate.
func immS(instr uint32) uint32 {
	v := bits(instr, 31, 25)<<5 | bits(instr, 11, 7)
	return sext(v, 11)
}

// immB extracts the sign-extended B-type immediate.
func immB(instr uint32) uint32 {
	v := bits(instr, 31, 31)<<12 | bits(instr, 7, 7)<<11 |
		bits(instr, 30, 25)<<5 | bits(instr, 11, 8)<<1
	return sext(v, 12)
}

// immU extracts the U-type immediate (already shifted into the high bits).
func immU(instr uint32) uint32 {
	return instr & 0xFFFFF000
}

// immJ extracts the sign-extended J-type immediate.
func immJ(instr uint32) uint32 {
	v := bits(instr, 31, 31)<<20 | bits(instr, 19, 12)<<12 |
		bits(instr, 20, 20)<<11 | bits(instr, 30, 21)<<1
	return sext(v, 20)
}

func rd(instr uint32) uint32  { return bits(instr, 11, 7) }
func rs1(instr uint32) uint32 { return bits(instr, 19, 15) }
func rs2(instr uint32) uint32 { return bits(instr, 24, 20) }
func funct3(instr uint32) uint32 { return bits(instr, 14, 12) }
func funct7(instr uint32) uint32 { return bits(instr, 31, 25) }
func opcode(instr uint32) uint32 { return instr & 0x7F }

// Major opcodes (bits [6:0]).
const (
	OpcLoad    = 0x03
	OpcMiscMem = 0x0F
	OpcOpImm   = 0x13
	OpcAuipc   = 0x17
	OpcStore   = 0x23
	OpcAmo     = 0x2F
	OpcOp      = 0x33
	OpcLui     = 0x37
	OpcBranch  = 0x63
	OpcJalr    = 0x67
	OpcJal     = 0x6F
	OpcSystem  = 0x73
)

// SYSTEM funct3 values.
const (
	Funct3Priv   = 0x0
	Funct3Csrrw  = 0x1
	Funct3Csrrs  = 0x2
	Funct3Csrrc  = 0x3
	Funct3Csrrwi = 0x5
	Funct3Csrrsi = 0x6
	Funct3Csrrci = 0x7
)

// Privileged SYSTEM instructions, matched on the full 32-bit word with
// rd=rs1=0 (funct3=0).
const (
	InstrEcall      = 0x00000073
	InstrEbreak     = 0x00100073
	InstrMret       = 0x30200073
	InstrSret       = 0x10200073
	InstrWfi        = 0x10500073
	SfenceVmaMask   = 0xFE007FFF
	SfenceVmaBits   = 0x12000073
)
