package rv32

// AMO funct5 values (instr[31:27]).
const (
	AmoLR      = 0x02
	AmoSC      = 0x03
	AmoSwap    = 0x01
	AmoAdd     = 0x00
	AmoXor     = 0x04
	AmoAnd     = 0x0C
	AmoOr      = 0x08
	AmoMin     = 0x10
	AmoMax     = 0x14
	AmoMinu    = 0x18
	AmoMaxu    = 0x1C
)

// execAMO executes an AMO/LR/SC instruction. vaddr is the effective
// address; a vaddr that is not word-aligned raises a store-misaligned
// fault. rs2val is the value from rs2 (used by every op except LR).
func execAMO(c *CPU, bus *Bus, funct5 uint32, vaddr uint32, rs2val uint32) (result uint32, err error) {
	if vaddr&0x3 != 0 {
		return 0, Exception(CauseStoreMisaligned, vaddr)
	}

	switch funct5 {
	case AmoLR:
		paddr, err := TranslateLS(c, bus, vaddr, PTERead)
		if err != nil {
			return 0, err
		}
		v, ok := bus.Read32(paddr)
		if !ok {
			return 0, Exception(CauseLoadAccessFault, vaddr)
		}
		c.LoadReserved = true
		c.ReservationAddr = vaddr
		return v, nil

	case AmoSC:
		if !c.LoadReserved {
			return 1, nil
		}
		paddr, err := TranslateLS(c, bus, vaddr, PTERead|PTEWrite)
		if err != nil {
			return 0, err
		}
		if !bus.Write32(paddr, rs2val) {
			return 0, Exception(CauseStoreAccessFault, vaddr)
		}
		c.LoadReserved = false
		return 0, nil

	default:
		paddr, err := TranslateLS(c, bus, vaddr, PTERead|PTEWrite)
		if err != nil {
			return 0, err
		}
		old, ok := bus.Read32(paddr)
		if !ok {
			return 0, Exception(CauseLoadAccessFault, vaddr)
		}
		newVal := amoCompute(funct5, old, rs2val)
		if !bus.Write32(paddr, newVal) {
			return 0, Exception(CauseStoreAccessFault, vaddr)
		}
		c.LoadReserved = false
		return old, nil
	}
}

func amoCompute(funct5, old, operand uint32) uint32 {
	switch funct5 {
	case AmoSwap:
		return operand
	case AmoAdd:
		return old + operand
	case AmoXor:
		return old ^ operand
	case AmoAnd:
		return old & operand
	case AmoOr:
		return old | operand
	case AmoMin:
		if int32(old) < int32(operand) {
			return old
		}
		return operand
	case AmoMax:
		if int32(old) > int32(operand) {
			return old
		}
		return operand
	case AmoMinu:
		if old < operand {
			return old
		}
		return operand
	case AmoMaxu:
		if old > operand {
			return old
		}
		return operand
	}
	return old
}
