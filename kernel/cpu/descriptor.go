package cpu

// DescriptorTablePointer is the 10-byte pseudo-descriptor consumed by the
// LGDT and LIDT instructions: a 16-bit limit followed by a 64-bit linear base
// address. The base is stored as four 16-bit words so that the struct has no
// padding between the two fields.
type DescriptorTablePointer struct {
	Limit uint16
	base  [4]uint16
}

// Set updates the pointer to describe a table of size bytes at base.
func (p *DescriptorTablePointer) Set(base uintptr, size uintptr) {
	p.Limit = uint16(size - 1)
	for i := 0; i < 4; i++ {
		p.base[i] = uint16(base >> (16 * uint(i)))
	}
}

// Base returns the table base address.
func (p *DescriptorTablePointer) Base() uintptr {
	var base uintptr
	for i := 3; i >= 0; i-- {
		base = base<<16 | uintptr(p.base[i])
	}
	return base
}
