package rv32

// effectivePrivLS returns the privilege used for load/store permission
// checks: MPP when executing in M-mode with MPRV set, else the true
// privilege.
func effectivePrivLS(c *CPU) uint8 {
	if c.Priv == PrivM && c.CSR.Mstatus&StatusMPRV != 0 {
		return uint8((c.CSR.Mstatus & StatusMPPMask) >> StatusMPPShift)
	}
	return c.Priv
}

func satpPPN(satp uint32) uint32 {
	return satp & SatpPPNMask
}

func translationEnabled(priv uint8, satp uint32) bool {
	return priv != PrivM && (satp>>SatpModeShift)&1 == SatpModeSv32
}

// TranslateFetch translates a fetch address, using the true privilege.
func TranslateFetch(c *CPU, bus *Bus, vaddr uint32) (uint32, error) {
	if !translationEnabled(c.Priv, c.CSR.Satp) {
		return vaddr, nil
	}
	return walkSv32(bus, vaddr, satpPPN(c.CSR.Satp)<<12, c.Priv, PTEExec, c.CSR.Mstatus)
}

// TranslateLS translates a load/store address, using the MPRV-adjusted
// privilege and the requested permission bits (PTERead/PTEWrite).
func TranslateLS(c *CPU, bus *Bus, vaddr uint32, required uint32) (uint32, error) {
	priv := effectivePrivLS(c)
	if !translationEnabled(priv, c.CSR.Satp) {
		return vaddr, nil
	}
	return walkSv32(bus, vaddr, satpPPN(c.CSR.Satp)<<12, priv, required, c.CSR.Mstatus)
}

// faultCause maps a required-permission set to the corresponding page
// fault cause code.
func faultCause(required uint32) uint32 {
	switch {
	case required&PTEExec != 0:
		return CauseInstrPageFault
	case required&PTEWrite != 0:
		return CauseStorePageFault
	default:
		return CauseLoadPageFault
	}
}

func accessFaultCause(required uint32) uint32 {
	switch {
	case required&PTEExec != 0:
		return CauseInstrAccessFault
	case required&PTEWrite != 0:
		return CauseStoreAccessFault
	default:
		return CauseLoadAccessFault
	}
}

// walkSv32 performs the two-level Sv32 page walk described by the core
// specification: leaf detection at either level, permission checking with
// SUM/MXR, and a non-atomic A/D bit read-modify-write.
func walkSv32(bus *Bus, vaddr, atp uint32, effectivePriv uint8, required uint32, mstatus uint32) (uint32, error) {
	pte1Addr := atp + ((vaddr >> 22) << 2)
	pte1, ok := bus.Read32(pte1Addr)
	if !ok {
		return 0, Exception(faultCause(required), vaddr)
	}
	if pte1&PTEValid == 0 || (pte1&PTERead == 0 && pte1&PTEWrite != 0) {
		return 0, Exception(faultCause(required), vaddr)
	}

	if pte1&(PTERead|PTEWrite|PTEExec) != 0 {
		if !ptePermissionsOK(pte1, required, effectivePriv, mstatus) {
			return 0, Exception(faultCause(required), vaddr)
		}
		if pte1&0x000ffc00 != 0 {
			return 0, Exception(faultCause(required), vaddr)
		}
		updated := pteWithAD(pte1, required)
		if updated != pte1 {
			if !bus.Write32(pte1Addr, updated) {
				return 0, Exception(accessFaultCause(required), vaddr)
			}
		}
		return (pte1<<2)&0xffc00000 | (vaddr & 0x003fffff), nil
	}

	pte0Addr := (pte1<<2)&0xfffff000 | ((vaddr >> 10) & 0xffc)
	pte0, ok := bus.Read32(pte0Addr)
	if !ok || pte0&PTEValid == 0 || pte0&(PTERead|PTEWrite|PTEExec) == 0 {
		return 0, Exception(faultCause(required), vaddr)
	}
	if !ptePermissionsOK(pte0, required, effectivePriv, mstatus) {
		return 0, Exception(faultCause(required), vaddr)
	}
	updated := pteWithAD(pte0, required)
	if updated != pte0 {
		if !bus.Write32(pte0Addr, updated) {
			return 0, Exception(accessFaultCause(required), vaddr)
		}
	}
	return (pte0<<2)&0xfffff000 | (vaddr & 0xfff), nil
}

func pteWithAD(pte, required uint32) uint32 {
	pte |= PTEAccessed
	if required&PTEWrite != 0 {
		pte |= PTEDirty
	}
	return pte
}

// ptePermissionsOK implements the SUM/MXR/privilege permission gate.
func ptePermissionsOK(pte, required uint32, effectivePriv uint8, mstatus uint32) bool {
	if pte&PTEUser != 0 && effectivePriv == PrivS && mstatus&StatusSUM == 0 {
		return false
	}
	if pte&PTEUser == 0 && effectivePriv == PrivU {
		return false
	}
	permissions := pte & (PTERead | PTEWrite | PTEExec)
	if mstatus&StatusMXR != 0 && permissions&PTEExec != 0 {
		permissions |= PTERead
	}
	return permissions&required == required
}

// PermitSfenceVMA reports whether sfence.vma is permitted at priv.
func PermitSfenceVMA(priv uint8, mstatus uint32) bool {
	return priv == PrivM || (priv == PrivS && mstatus&StatusTVM == 0)
}
