package cpu

import (
	"testing"
	"unsafe"
)

func TestDescriptorTablePointer(t *testing.T) {
	if got := unsafe.Sizeof(DescriptorTablePointer{}); got != 10 {
		t.Fatalf("expected pseudo-descriptor size to be 10 bytes; got %d", got)
	}

	specs := []struct {
		base, size uintptr
		expLimit   uint16
	}{
		{0, 1, 0},
		{0xffffffff80123450, 4096, 4095},
		{0x1122334455667788, 40, 39},
	}

	for specIndex, spec := range specs {
		var p DescriptorTablePointer
		p.Set(spec.base, spec.size)

		if p.Limit != spec.expLimit {
			t.Errorf("[spec %d] expected limit %d; got %d", specIndex, spec.expLimit, p.Limit)
		}

		if got := p.Base(); got != spec.base {
			t.Errorf("[spec %d] expected base 0x%x; got 0x%x", specIndex, spec.base, got)
		}

		raw := (*[10]byte)(unsafe.Pointer(&p))
		for i := 0; i < 8; i++ {
			if exp := byte(spec.base >> (8 * uint(i))); raw[2+i] != exp {
				t.Errorf("[spec %d] expected base byte %d to be 0x%x; got 0x%x", specIndex, i, exp, raw[2+i])
			}
		}
	}
}
