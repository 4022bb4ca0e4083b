package rv32

import "encoding/binary"

// Device is a memory-mapped peripheral. Offsets are relative to the
// device's installed base address.
type Device interface {
	Read(offset uint32, size int) (uint32, bool)
	Write(offset uint32, size int, value uint32) bool
	Size() uint32
}

// deviceMapping pairs a device with its installed physical base.
type deviceMapping struct {
	base   uint32
	device Device
}

// Bus is the physical address space multiplexer: a fast-path flat RAM
// region plus an ordered list of MMIO devices, first match wins.
type Bus struct {
	ramBase uint32
	ram     []byte
	devices []deviceMapping
}

// NewBus creates a bus with ram bytes of flat RAM installed at ramBase.
func NewBus(ramBase uint32, ramSize uint32) *Bus {
	return &Bus{ramBase: ramBase, ram: make([]byte, ramSize)}
}

// AddDevice installs a device at a fixed physical base. Devices are
// searched in installation order.
func (b *Bus) AddDevice(base uint32, d Device) {
	b.devices = append(b.devices, deviceMapping{base: base, device: d})
}

func (b *Bus) inRAM(addr uint32, size uint32) bool {
	if addr < b.ramBase {
		return false
	}
	end := addr - b.ramBase + size
	return end <= uint32(len(b.ram))
}

// Read8/16/32 return (value, ok); ok is false on an unmapped address.
func (b *Bus) Read8(addr uint32) (uint32, bool) {
	if b.inRAM(addr, 1) {
		return uint32(b.ram[addr-b.ramBase]), true
	}
	return b.deviceRead(addr, 1)
}

func (b *Bus) Read16(addr uint32) (uint32, bool) {
	if b.inRAM(addr, 2) {
		off := addr - b.ramBase
		return uint32(binary.LittleEndian.Uint16(b.ram[off : off+2])), true
	}
	return b.deviceRead(addr, 2)
}

func (b *Bus) Read32(addr uint32) (uint32, bool) {
	if b.inRAM(addr, 4) {
		off := addr - b.ramBase
		return binary.LittleEndian.Uint32(b.ram[off : off+4]), true
	}
	return b.deviceRead(addr, 4)
}

// Write8/16/32 return ok; false on an unmapped address.
func (b *Bus) Write8(addr, v uint32) bool {
	if b.inRAM(addr, 1) {
		b.ram[addr-b.ramBase] = byte(v)
		return true
	}
	return b.deviceWrite(addr, 1, v)
}

func (b *Bus) Write16(addr, v uint32) bool {
	if b.inRAM(addr, 2) {
		off := addr - b.ramBase
		binary.LittleEndian.PutUint16(b.ram[off:off+2], uint16(v))
		return true
	}
	return b.deviceWrite(addr, 2, v)
}

func (b *Bus) Write32(addr, v uint32) bool {
	if b.inRAM(addr, 4) {
		off := addr - b.ramBase
		binary.LittleEndian.PutUint32(b.ram[off:off+4], v)
		return true
	}
	return b.deviceWrite(addr, 4, v)
}

func (b *Bus) deviceRead(addr uint32, size int) (uint32, bool) {
	for _, m := range b.devices {
		if addr >= m.base && addr-m.base < m.device.Size() {
			return m.device.Read(addr-m.base, size)
		}
	}
	return 0, false
}

func (b *Bus) deviceWrite(addr uint32, size int, v uint32) bool {
	for _, m := range b.devices {
		if addr >= m.base && addr-m.base < m.device.Size() {
			return m.device.Write(addr-m.base, size, v)
		}
	}
	return false
}

// LoadBytes copies data into RAM starting at addr, for program loading.
// It reports false if the range does not fit entirely in RAM.
func (b *Bus) LoadBytes(addr uint32, data []byte) bool {
	if !b.inRAM(addr, uint32(len(data))) {
		return false
	}
	off := addr - b.ramBase
	copy(b.ram[off:], data)
	return true
}

// ReadRange returns a copy of RAM bytes in [addr, addr+n), for --dump.
func (b *Bus) ReadRange(addr, n uint32) ([]byte, bool) {
	if !b.inRAM(addr, n) {
		return nil, false
	}
	off := addr - b.ramBase
	out := make([]byte, n)
	copy(out, b.ram[off:off+n])
	return out, true
}
