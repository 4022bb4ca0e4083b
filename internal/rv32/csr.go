package rv32

// CSRFile holds every control/status register this core implements, plus
// the latched interrupt lines the host drives between steps.
type CSRFile struct {
	Mstatus uint32
	Medeleg uint32
	Mideleg uint32
	Mie     uint32

	// Software-writable S-bits of mip; the M-bits are always the latched
	// line itself and are never stored.
	MipSoft uint32

	Mtvec uint32
	Stvec uint32

	Mscratch uint32
	Sscratch uint32

	Mepc uint32
	Sepc uint32

	Mcause uint32
	Scause uint32

	Mtval uint32
	Stval uint32

	Mcounteren uint32
	Scounteren uint32

	Satp uint32

	Mcycle   uint64
	Minstret uint64

	IrqTimer    bool
	IrqSoftware bool
	IrqExternal bool
}

func (c *CSRFile) init() {
	*c = CSRFile{}
}

// effectiveMip returns the current read value of mip: M-bits mirror the
// latched interrupt lines directly, S-bits are the software-set bit OR'd
// with the same line.
func (c *CSRFile) effectiveMip() uint32 {
	var v uint32
	if c.IrqSoftware {
		v |= IrqMSI
	}
	if c.IrqTimer {
		v |= IrqMTI
	}
	if c.IrqExternal {
		v |= IrqMEI
	}
	v |= c.softSBits()
	return v
}

func (c *CSRFile) softSBits() uint32 {
	v := c.MipSoft & SieWritableMask
	if c.IrqSoftware {
		v |= IrqSSI
	}
	if c.IrqTimer {
		v |= IrqSTI
	}
	if c.IrqExternal {
		v |= IrqSEI
	}
	return v
}

func csrMinPriv(addr uint32) uint32 {
	return (addr >> 8) & 0x3
}

func csrReadOnly(addr uint32) bool {
	return (addr>>10)&0x3 == 0x3
}

// Read implements the CSR read path with privilege and counter-enable
// gating. ok is false for an unimplemented address or a failed gate.
func (c *CSRFile) Read(addr uint32, priv uint8) (uint32, bool) {
	if addr >= 4096 {
		return 0, false
	}
	if uint32(priv) < csrMinPriv(addr) {
		return 0, false
	}
	switch addr {
	case CSRCycle, CSRCycleH:
		if !c.counterAllowed(priv, 0) {
			return 0, false
		}
	case CSRInstret, CSRInstretH:
		if !c.counterAllowed(priv, 2) {
			return 0, false
		}
	case CSRSatp:
		if priv != PrivM && c.Mstatus&StatusTVM != 0 {
			return 0, false
		}
	}

	switch addr {
	case CSRMisa:
		return MisaValue, true
	case CSRMvendorid, CSRMarchid, CSRMimpid, CSRMhartid:
		return 0, true

	case CSRMstatus:
		return c.Mstatus, true
	case CSRSstatus:
		return c.Mstatus & SstatusMask, true

	case CSRMedeleg:
		return c.Medeleg, true
	case CSRMideleg:
		return c.Mideleg, true

	case CSRMie:
		return c.Mie, true
	case CSRSie:
		return c.Mie & SieWritableMask, true

	case CSRMip:
		return c.effectiveMip(), true
	case CSRSip:
		return c.effectiveMip() & SieWritableMask, true

	case CSRMtvec:
		return c.Mtvec, true
	case CSRStvec:
		return c.Stvec, true

	case CSRMcounteren:
		return c.Mcounteren, true
	case CSRScounteren:
		return c.Scounteren, true

	case CSRMscratch:
		return c.Mscratch, true
	case CSRSscratch:
		return c.Sscratch, true

	case CSRMepc:
		return c.Mepc, true
	case CSRSepc:
		return c.Sepc, true

	case CSRMcause:
		return c.Mcause, true
	case CSRScause:
		return c.Scause, true

	case CSRMtval:
		return c.Mtval, true
	case CSRStval:
		return c.Stval, true

	case CSRSatp:
		return c.Satp, true

	case CSRMcycle:
		return uint32(c.Mcycle), true
	case CSRMcycleH:
		return uint32(c.Mcycle >> 32), true
	case CSRCycle:
		return uint32(c.Mcycle), true
	case CSRCycleH:
		return uint32(c.Mcycle >> 32), true

	// read(mcounteren)'s INSTRET case historically returned minstreth
	// twice; the low/high halves are returned correctly here.
	case CSRMinstret, CSRInstret:
		return uint32(c.Minstret), true
	case CSRMinstretH, CSRInstretH:
		return uint32(c.Minstret >> 32), true
	}

	return 0, false
}

func (c *CSRFile) counterAllowed(priv uint8, bit uint32) bool {
	if priv == PrivM {
		return true
	}
	if c.Mcounteren&(1<<bit) == 0 {
		return false
	}
	if priv == PrivU && c.Scounteren&(1<<bit) == 0 {
		return false
	}
	return true
}

// Write implements the CSR write path for op in {WRITE, SET, CLEAR}. It
// returns false on any privilege/decode failure, leaving state untouched.
func (c *CSRFile) Write(addr uint32, data uint32, op CSROp, priv uint8) bool {
	if addr >= 4096 {
		return false
	}
	if uint32(priv) < csrMinPriv(addr) {
		return false
	}
	if csrReadOnly(addr) {
		return false
	}
	if addr == CSRSatp {
		if priv != PrivM && c.Mstatus&StatusTVM != 0 {
			return false
		}
	}

	cur, ok := c.rawWriteBase(addr, priv)
	if !ok {
		return false
	}

	var next uint32
	switch op {
	case CSROpWrite:
		next = data
	case CSROpSet:
		next = cur | data
	case CSROpClear:
		next = cur &^ data
	}

	switch addr {
	case CSRMisa, CSRMvendorid, CSRMarchid, CSRMimpid, CSRMhartid:
		// Writes are architecturally ignored; the value stays fixed.

	case CSRMstatus:
		c.Mstatus = (c.Mstatus &^ MstatusMask) | (next & MstatusMask)
	case CSRSstatus:
		c.Mstatus = (c.Mstatus &^ SstatusMask) | (next & SstatusMask)

	case CSRMedeleg:
		c.Medeleg = next
	case CSRMideleg:
		c.Mideleg = next

	case CSRMie:
		c.Mie = next & MieWritableMask
	case CSRSie:
		c.Mie = (c.Mie &^ SieWritableMask) | (next & SieWritableMask)

	case CSRMip:
		c.MipSoft = (c.MipSoft &^ SieWritableMask) | (next & SieWritableMask)
	case CSRSip:
		delegated := SieWritableMask & c.Mideleg
		c.MipSoft = (c.MipSoft &^ delegated) | (next & delegated)

	case CSRMtvec:
		c.Mtvec = next &^ 0x2
	case CSRStvec:
		c.Stvec = next &^ 0x2

	case CSRMcounteren:
		c.Mcounteren = next & 0x7
	case CSRScounteren:
		c.Scounteren = next & 0x7

	case CSRMscratch:
		c.Mscratch = next
	case CSRSscratch:
		c.Sscratch = next

	case CSRMepc:
		c.Mepc = next &^ 0x1
	case CSRSepc:
		c.Sepc = next &^ 0x1

	case CSRMcause:
		c.Mcause = next & 0x800000ff
	case CSRScause:
		c.Scause = next & 0x800000ff

	case CSRMtval:
		c.Mtval = next
	case CSRStval:
		c.Stval = next

	case CSRSatp:
		c.Satp = next &^ SatpASIDMask

	case CSRMcycle:
		c.Mcycle = uint64(c.Mcycle>>32)<<32 | uint64(next)
	case CSRMcycleH:
		c.Mcycle = uint64(next)<<32 | uint64(uint32(c.Mcycle))
	case CSRMinstret:
		c.Minstret = uint64(c.Minstret>>32)<<32 | uint64(next)
	case CSRMinstretH:
		c.Minstret = uint64(next)<<32 | uint64(uint32(c.Minstret))

	default:
		return false
	}
	return true
}

// rawWriteBase returns the pre-write value of addr for SET/CLEAR, and
// confirms the address is one this file implements at all.
func (c *CSRFile) rawWriteBase(addr uint32, priv uint8) (uint32, bool) {
	v, ok := c.Read(addr, priv)
	if !ok {
		// Writable-only addresses with no matching read case (there are
		// none in this implementation — every writable CSR also reads)
		// would need special handling here.
		return 0, false
	}
	return v, true
}

// StepCounters advances mcycle and minstret by one, as required once per
// committed instruction.
func (c *CSRFile) StepCounters() {
	c.Mcycle++
	c.Minstret++
}

// pendingInterrupt reports the selected interrupt, if any is both pending
// and currently unmasked for priv.
func (c *CSRFile) pendingInterrupt(priv uint8) (cause uint32, ok bool) {
	pending := c.effectiveMip() & c.Mie
	pendingM := pending &^ c.Mideleg
	pendingS := pending & c.Mideleg

	if pendingM != 0 && (c.Mstatus&StatusMIE != 0 || priv < PrivM) {
		return selectCause(pendingM), true
	}
	if pendingS != 0 && priv <= PrivS && (c.Mstatus&StatusSIE != 0 || priv < PrivS) {
		return selectCause(pendingS), true
	}
	return 0, false
}

// selectCause picks the lowest set bit of a mip-shaped mask and returns it
// as an interrupt cause (top bit set, low bits = bit position).
func selectCause(mask uint32) uint32 {
	bit := uint32(0)
	for mask&1 == 0 {
		mask >>= 1
		bit++
	}
	return bit | CauseInterruptBit
}

// EnterTrap performs exception/interrupt entry: computes the target
// privilege, saves state, and returns the target PC.
func (c *CSRFile) EnterTrap(priv *uint8, cause, epc, tval uint32) uint32 {
	isInterrupt := cause&CauseInterruptBit != 0
	causeNum := cause &^ CauseInterruptBit

	targetPriv := uint8(PrivM)
	var delegated bool
	if isInterrupt {
		delegated = c.Mideleg&(1<<causeNum) != 0
	} else {
		delegated = c.Medeleg&(1<<causeNum) != 0
	}
	if *priv <= PrivS && delegated {
		targetPriv = PrivS
	}
	if targetPriv < *priv {
		targetPriv = *priv
	}

	prevPriv := *priv
	if targetPriv == PrivM {
		mpie := c.Mstatus & StatusMIE
		c.Mstatus &^= StatusMPIE
		if mpie != 0 {
			c.Mstatus |= StatusMPIE
		}
		c.Mstatus &^= StatusMPPMask
		c.Mstatus |= uint32(prevPriv) << StatusMPPShift
		c.Mstatus &^= StatusMIE

		c.Mcause = cause
		c.Mepc = epc
		c.Mtval = tval
	} else {
		spie := c.Mstatus & StatusSIE
		c.Mstatus &^= StatusSPIE
		if spie != 0 {
			c.Mstatus |= StatusSPIE
		}
		if prevPriv == PrivU {
			c.Mstatus &^= StatusSPP
		} else {
			c.Mstatus |= StatusSPP
		}
		c.Mstatus &^= StatusSIE

		c.Scause = cause
		c.Sepc = epc
		c.Stval = tval
	}

	*priv = targetPriv

	tvec := c.Mtvec
	if targetPriv == PrivS {
		tvec = c.Stvec
	}
	base := tvec &^ 0x1
	if tvec&0x1 != 0 && isInterrupt {
		return base + 4*causeNum
	}
	return base
}

// Mret executes the mret instruction semantics, returning the PC to
// resume at.
func (c *CSRFile) Mret(priv *uint8) uint32 {
	mpp := (c.Mstatus & StatusMPPMask) >> StatusMPPShift
	*priv = uint8(mpp)

	if *priv != PrivM {
		c.Mstatus &^= StatusMPRV
	}
	c.Mstatus &^= StatusMPPMask
	c.Mstatus |= PrivU << StatusMPPShift

	mpie := c.Mstatus & StatusMPIE
	c.Mstatus &^= StatusMIE
	if mpie != 0 {
		c.Mstatus |= StatusMIE
	}
	c.Mstatus |= StatusMPIE

	return c.Mepc
}

// Sret executes the sret instruction semantics, or reports that it must be
// treated as illegal-instruction when TSR blocks it from S-mode.
func (c *CSRFile) Sret(priv *uint8) (pc uint32, illegal bool) {
	if *priv == PrivS && c.Mstatus&StatusTSR != 0 {
		return 0, true
	}

	spp := (c.Mstatus & StatusSPP) >> 8
	*priv = uint8(spp)
	c.Mstatus &^= StatusSPP

	spie := c.Mstatus & StatusSPIE
	c.Mstatus &^= StatusSIE
	if spie != 0 {
		c.Mstatus |= StatusSIE
	}
	c.Mstatus |= StatusSPIE

	c.Mstatus &^= StatusMPRV

	return c.Sepc, false
}
