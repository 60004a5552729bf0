package gate

import (
	"bytes"
	"fmt"
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/gdt"
	"nucleos/kernel/kfmt"
	"os"
	"strings"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
)

func resetIDT(t *testing.T) {
	t.Helper()

	initialized = false
	idt = [256]Entry{}
	handlers = [256]func(*Registers){}

	t.Cleanup(func() {
		initialized = false
		idt = [256]Entry{}
		handlers = [256]func(*Registers){}
		loadIDTFn = cpu.LoadIDT
		entryAddressFn = entryAddress
		panicFn = kfmt.Panic
		kfmt.SetOutputSink(nil)
	})
}

func TestRegistersDumpTo(t *testing.T) {
	regs := Registers{
		RAX:    1,
		RBX:    2,
		RCX:    3,
		RDX:    4,
		RSI:    5,
		RDI:    6,
		RBP:    7,
		R8:     8,
		R9:     9,
		R10:    10,
		R11:    11,
		R12:    12,
		R13:    13,
		R14:    14,
		R15:    15,
		RIP:    16,
		CS:     17,
		RFlags: 18,
		RSP:    19,
		SS:     20,
	}

	exp := "RAX = 0000000000000001 RBX = 0000000000000002\nRCX = 0000000000000003 RDX = 0000000000000004\nRSI = 0000000000000005 RDI = 0000000000000006\nRBP = 0000000000000007\nR8  = 0000000000000008 R9  = 0000000000000009\nR10 = 000000000000000a R11 = 000000000000000b\nR12 = 000000000000000c R13 = 000000000000000d\nR14 = 000000000000000e R15 = 000000000000000f\n\nRIP = 0000000000000010 CS  = 0000000000000011\nRSP = 0000000000000013 SS  = 0000000000000014\nRFL = 0000000000000012\n"

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestRegistersLayout(t *testing.T) {
	var regs Registers

	// The entry stubs push 15 general purpose registers on top of the
	// vector number and the error code; the CPU frame follows.
	specs := []struct {
		field  string
		offset uintptr
	}{
		{"RAX", unsafe.Offsetof(regs.RAX)},
		{"R15", unsafe.Offsetof(regs.R15)},
		{"Vector", unsafe.Offsetof(regs.Vector)},
		{"ErrorCode", unsafe.Offsetof(regs.ErrorCode)},
		{"RIP", unsafe.Offsetof(regs.RIP)},
		{"SS", unsafe.Offsetof(regs.SS)},
	}

	expOffsets := map[string]uintptr{
		"RAX":       0,
		"R15":       14 * 8,
		"Vector":    15 * 8,
		"ErrorCode": 16 * 8,
		"RIP":       17 * 8,
		"SS":        21 * 8,
	}

	for _, spec := range specs {
		if exp := expOffsets[spec.field]; spec.offset != exp {
			t.Errorf("expected field %s to be located at offset %d; got %d", spec.field, exp, spec.offset)
		}
	}

	if got := unsafe.Sizeof(regs); got != 22*8 {
		t.Errorf("expected Registers size to be %d; got %d", 22*8, got)
	}

	// FXSAVE64 stores 512 bytes at a 16-byte aligned address
	if fpuStateSize != 512 {
		t.Errorf("expected FPU state area to be 512 bytes; got %d", fpuStateSize)
	}
}

func TestCommonEntrySavesFPUState(t *testing.T) {
	src, err := os.ReadFile("gate_amd64.s")
	if err != nil {
		t.Fatal(err)
	}

	body := string(src)
	start := strings.Index(body, "TEXT ·commonEntry(SB)")
	if start == -1 {
		t.Fatal("commonEntry not found in gate_amd64.s")
	}
	body = body[start:]

	// The state must be saved before the handler runs and restored
	// before the general purpose registers are popped.
	var (
		reserve = strings.Index(body, "SUBQ $const_fpuStateSize, SP")
		align   = strings.Index(body, "ANDQ $~15, SP")
		save    = strings.Index(body, "FXSAVE64 (SP)")
		call    = strings.Index(body, "CALL ·dispatchInterrupt(SB)")
		restore = strings.Index(body, "FXRSTOR64 (SP)")
		popAX   = strings.Index(body, "POPQ AX")
		iret    = strings.Index(body, "IRETQ")
	)

	order := []int{reserve, align, save, call, restore, popAX, iret}
	for i, pos := range order {
		if pos == -1 {
			t.Fatalf("[step %d] instruction missing from commonEntry", i)
		}
		if i > 0 && pos < order[i-1] {
			t.Errorf("[step %d] instruction appears before step %d", i, i-1)
		}
	}
}

func TestEntryLayout(t *testing.T) {
	var e Entry
	if got := unsafe.Sizeof(e); got != 16 {
		t.Fatalf("expected IDT entry size to be 16 bytes; got %d", got)
	}

	e.SetHandler(0xffffffff80123456, 0x08, InterruptGate)
	e.IST = 1

	raw := *(*[16]byte)(unsafe.Pointer(&e))
	exp := [16]byte{
		0x56, 0x34,             // offset 0-15
		0x08, 0x00,             // selector
		0x01,                   // IST
		0x8e,                   // present, DPL 0, interrupt gate
		0x12, 0x80,             // offset 16-31
		0xff, 0xff, 0xff, 0xff, // offset 32-63
		0, 0, 0, 0,             // reserved
	}

	if diff := cmp.Diff(exp, raw); diff != "" {
		t.Fatalf("unexpected entry encoding (-want +got):\n%s", diff)
	}

	if got := e.HandlerAddress(); got != 0xffffffff80123456 {
		t.Errorf("expected handler address 0xffffffff80123456; got 0x%x", got)
	}
	if !e.Present() || e.DPL() != 0 || e.Type() != InterruptGate {
		t.Errorf("unexpected attribute decoding: present %t, dpl %d, type %x", e.Present(), e.DPL(), e.Type())
	}

	e.SetHandler(0x1000, 0x08, TrapGate)
	if e.Type() != TrapGate || e.Attributes != 0x8f {
		t.Errorf("expected trap gate attributes 0x8f; got 0x%x", e.Attributes)
	}
}

func TestHasErrorCode(t *testing.T) {
	withErrorCode := map[int]bool{8: true, 10: true, 11: true, 12: true, 13: true, 14: true, 17: true, 21: true, 29: true, 30: true}

	for vector := 0; vector < 256; vector++ {
		if exp, got := withErrorCode[vector], HasErrorCode(InterruptNumber(vector)); got != exp {
			t.Errorf("[vector %d] expected HasErrorCode to return %t; got %t", vector, exp, got)
		}
	}
}

func TestEntryAddress(t *testing.T) {
	seen := make(map[uintptr]int)
	for vector := 0; vector < 256; vector++ {
		addr := entryAddress(vector)
		if addr == 0 {
			t.Fatalf("[vector %d] expected a non-zero stub address", vector)
		}
		if other, dup := seen[addr]; dup {
			t.Fatalf("[vector %d] stub address 0x%x also used by vector %d", vector, addr, other)
		}
		seen[addr] = vector
	}
}

func TestInit(t *testing.T) {
	resetIDT(t)

	var idtrAddr uintptr
	loadIDTFn = func(addr uintptr) { idtrAddr = addr }
	entryAddressFn = func(vector int) uintptr { return 0xffffffff80100000 + uintptr(vector)*16 }

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	if exp := uintptr(unsafe.Pointer(&idtr)); idtrAddr != exp {
		t.Fatalf("expected LoadIDT to be called with 0x%x; got 0x%x", exp, idtrAddr)
	}
	if exp := uintptr(unsafe.Pointer(&idt[0])); idtr.Base() != exp || idtr.Limit != 4095 {
		t.Fatalf("expected idtr (base 0x%x, limit 4095); got (0x%x, %d)", exp, idtr.Base(), idtr.Limit)
	}

	for vector := 0; vector < 256; vector++ {
		e := &idt[vector]
		switch {
		case !e.Present():
			t.Errorf("[vector %d] expected entry to be present", vector)
		case e.Selector != gdt.KernelCodeSelector:
			t.Errorf("[vector %d] expected selector 0x%x; got 0x%x", vector, gdt.KernelCodeSelector, e.Selector)
		case e.HandlerAddress() != entryAddressFn(vector):
			t.Errorf("[vector %d] expected handler address 0x%x; got 0x%x", vector, entryAddressFn(vector), e.HandlerAddress())
		case e.Type() != InterruptGate:
			t.Errorf("[vector %d] expected interrupt gate; got type %x", vector, e.Type())
		}
	}

	if got := idt[DoubleFault].IST; got != gdt.DoubleFaultIST {
		t.Errorf("expected double fault entry to use IST %d; got %d", gdt.DoubleFaultIST, got)
	}
	if got := idt[PageFaultException].IST; got != 0 {
		t.Errorf("expected page fault entry not to use an IST; got %d", got)
	}

	for _, vector := range []InterruptNumber{Breakpoint, DoubleFault} {
		if handlers[vector] == nil {
			t.Errorf("expected a handler to be bound to vector %d", vector)
		}
	}

	if err := Init(); err != errAlreadyInitialized {
		t.Fatalf("expected errAlreadyInitialized; got %v", err)
	}
}

func TestHandleInterrupt(t *testing.T) {
	resetIDT(t)

	noop := func(*Registers) {}

	specs := []struct {
		vector  InterruptNumber
		ist     uint8
		handler func(*Registers)
		expErr  *kernel.Error
	}{
		{PageFaultException, 0, noop, nil},
		{PageFaultException, 0, noop, errAlreadyBound},
		{GPFException, 8, noop, errInvalidIST},
		{GPFException, 0, nil, errNilHandler},
		{InterruptNumber(32), 7, noop, nil},
	}

	for specIndex, spec := range specs {
		if err := HandleInterrupt(spec.vector, spec.ist, spec.handler); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if got := idt[32].IST; got != 7 {
		t.Errorf("expected vector 32 to use IST 7; got %d", got)
	}
}

// raise emulates an entry stub: the error code slot is filled with the value
// pushed by the CPU for vectors that have one and with zero otherwise.
func raise(vector InterruptNumber, cpuErrorCode uint64) *Registers {
	regs := &Registers{Vector: uint64(vector), RIP: 0xc0de}
	if HasErrorCode(vector) {
		regs.ErrorCode = cpuErrorCode
	}
	dispatchInterrupt(regs)
	return regs
}

func TestDispatchInvokesBoundHandler(t *testing.T) {
	resetIDT(t)

	var calls [256]int
	var errorCodes [256]uint64
	handler := func(regs *Registers) {
		calls[regs.Vector]++
		errorCodes[regs.Vector] = regs.ErrorCode
	}

	vectors := []InterruptNumber{DivideByZero, Breakpoint, DoubleFault, GPFException, PageFaultException, AlignmentCheck, 32, 33, 255}
	for _, vector := range vectors {
		if err := HandleInterrupt(vector, 0, handler); err != nil {
			t.Fatal(err)
		}
	}

	for _, vector := range vectors {
		vector := vector
		t.Run(fmt.Sprint(vector), func(t *testing.T) {
			before := calls
			raise(vector, 0xbad)

			for other := range calls {
				exp := before[other]
				if other == int(vector) {
					exp++
				}
				if calls[other] != exp {
					t.Fatalf("expected handler for vector %d to be called %d times; got %d", other, exp, calls[other])
				}
			}

			expErrorCode := uint64(0)
			if HasErrorCode(vector) {
				expErrorCode = 0xbad
			}
			if errorCodes[vector] != expErrorCode {
				t.Fatalf("expected error code 0x%x; got 0x%x", expErrorCode, errorCodes[vector])
			}
		})
	}
}

func TestDispatchHandlerUpdatesRegisters(t *testing.T) {
	resetIDT(t)

	if err := HandleInterrupt(Breakpoint, 0, func(regs *Registers) { regs.RAX = 42 }); err != nil {
		t.Fatal(err)
	}

	if regs := raise(Breakpoint, 0); regs.RAX != 42 {
		t.Fatalf("expected handler changes to be visible to the entry code; got RAX = %d", regs.RAX)
	}
}

func TestUnhandledInterrupt(t *testing.T) {
	resetIDT(t)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	var panicArg *kernel.Error
	panicFn = func(err *kernel.Error) { panicArg = err }

	raise(InvalidOpcode, 0)

	if panicArg != errUnhandled {
		t.Fatalf("expected errUnhandled to be passed to panic; got %v", panicArg)
	}

	if exp := "[gate] unhandled interrupt 6 (invalid opcode), error code: 0x0"; !strings.Contains(buf.String(), exp) {
		t.Fatalf("expected output to contain %q; got:\n%s", exp, buf.String())
	}
	if !strings.Contains(buf.String(), "RIP = 000000000000c0de") {
		t.Fatalf("expected register dump in output; got:\n%s", buf.String())
	}
}

func TestExceptionHandlers(t *testing.T) {
	resetIDT(t)
	loadIDTFn = func(uintptr) {}
	entryAddressFn = func(int) uintptr { return 0x1000 }

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	var panicArg *kernel.Error
	panicFn = func(err *kernel.Error) { panicArg = err }

	t.Run("breakpoint resumes", func(t *testing.T) {
		buf.Reset()
		panicArg = nil

		raise(Breakpoint, 0)

		if panicArg != nil {
			t.Fatalf("expected breakpoint handler to return; got panic(%v)", panicArg)
		}
		if exp := "[gate] breakpoint at RIP 0xc0de"; !strings.Contains(buf.String(), exp) {
			t.Fatalf("expected output to contain %q; got %q", exp, buf.String())
		}
	})

	t.Run("double fault halts", func(t *testing.T) {
		buf.Reset()
		panicArg = nil

		raise(DoubleFault, 0)

		if panicArg != errDoubleFault {
			t.Fatalf("expected errDoubleFault to be passed to panic; got %v", panicArg)
		}
		if exp := "[gate] double fault"; !strings.Contains(buf.String(), exp) {
			t.Fatalf("expected output to contain %q; got %q", exp, buf.String())
		}
	})
}

func TestExceptionName(t *testing.T) {
	specs := []struct {
		vector uint64
		exp    string
	}{
		{0, "divide error"},
		{14, "page fault"},
		{15, "reserved"},
		{31, "reserved"},
		{32, "external interrupt"},
	}

	for specIndex, spec := range specs {
		if got := exceptionName(spec.vector); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
