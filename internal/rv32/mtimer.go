package rv32

// MTimer is an ACLINT-style platform timer: a single 64-bit mtime counter
// and one 64-bit mtimecmp register per hart.
type MTimer struct {
	Mtime    uint64
	Mtimecmp [MTimerNHarts]uint64
}

// NewMTimer returns a timer with every hart's compare register initialized
// to all-ones, so no hart takes a spurious timer interrupt before it
// programs its own deadline.
func NewMTimer() *MTimer {
	m := &MTimer{}
	for i := range m.Mtimecmp {
		m.Mtimecmp[i] = ^uint64(0)
	}
	return m
}

// StepTime advances mtime by one tick.
func (m *MTimer) StepTime() { m.Mtime++ }

// IRQStatus reports whether hart n's timer interrupt condition holds.
func (m *MTimer) IRQStatus(n int) bool {
	return m.Mtime >= m.Mtimecmp[n]
}

func (m *MTimer) Size() uint32 { return MTimerSize }

func (m *MTimer) Read(offset uint32, size int) (uint32, bool) {
	if size != 4 {
		return 0, false
	}
	switch offset {
	case 0:
		return uint32(m.Mtime), true
	case 4:
		return uint32(m.Mtime >> 32), true
	}
	if offset >= 8 {
		hart := int(offset-8) / 16
		sub := (offset - 8) % 16
		if hart < MTimerNHarts && (sub == 0 || sub == 4) {
			if sub == 0 {
				return uint32(m.Mtimecmp[hart]), true
			}
			return uint32(m.Mtimecmp[hart] >> 32), true
		}
	}
	return 0, false
}

func (m *MTimer) Write(offset uint32, size int, value uint32) bool {
	if size != 4 {
		return false
	}
	switch offset {
	case 0:
		m.Mtime = uint64(m.Mtime>>32)<<32 | uint64(value)
		return true
	case 4:
		m.Mtime = uint64(value)<<32 | uint64(uint32(m.Mtime))
		return true
	}
	if offset >= 8 {
		hart := int(offset-8) / 16
		sub := (offset - 8) % 16
		if hart < MTimerNHarts && sub == 0 {
			m.Mtimecmp[hart] = uint64(m.Mtimecmp[hart]>>32)<<32 | uint64(value)
			return true
		}
		if hart < MTimerNHarts && sub == 4 {
			m.Mtimecmp[hart] = uint64(value)<<32 | uint64(uint32(m.Mtimecmp[hart]))
			return true
		}
	}
	return false
}

var _ Device = (*MTimer)(nil)
