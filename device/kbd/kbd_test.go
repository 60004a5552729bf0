package kbd

import (
	"bytes"
	"fmt"
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/gate"
	"nucleos/kernel/irq"
	"nucleos/kernel/sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func setupKeyboard(t *testing.T) {
	var interruptsEnabled = true
	sync.SetInterruptControl(
		func() bool { return interruptsEnabled },
		func() { interruptsEnabled = false },
		func() { interruptsEnabled = true },
	)

	t.Cleanup(func() {
		if !interruptsEnabled {
			t.Error("expected interrupts to be re-enabled")
		}
		sync.SetInterruptControl(nil, nil, nil)
		portReadByteFn = cpu.PortReadByte
		handleIRQFn = irq.HandleIRQ
		setMaskFn = irq.SetMask
		kbd = Keyboard{}
	})
}

// press simulates an IRQ1 delivering code.
func press(code byte) {
	portReadByteFn = func(port uint16) uint8 {
		if port != dataPort {
			panic(fmt.Sprintf("unexpected read from port 0x%x", port))
		}
		return code
	}
	irqHandler(&gate.Registers{Vector: uint64(irq.PIC1Offset + irq.KeyboardLine)})
}

func TestQueueOrder(t *testing.T) {
	setupKeyboard(t)

	codes := []byte{0x1e, 0x9e, 0x30, 0xb0}
	for _, code := range codes {
		press(code)
	}

	var got []byte
	for {
		code, ok := TryRead()
		if !ok {
			break
		}
		got = append(got, code)
	}

	if diff := cmp.Diff(codes, got); diff != "" {
		t.Fatalf("unexpected scan codes (-want +got):\n%s", diff)
	}
}

func TestQueueDropsNewestOnOverflow(t *testing.T) {
	setupKeyboard(t)

	for i := 0; i < queueSize+10; i++ {
		press(byte(i))
	}

	if got := Dropped(); got != 10 {
		t.Fatalf("expected 10 dropped scan codes; got %d", got)
	}

	for i := 0; i < queueSize; i++ {
		code, ok := TryRead()
		if !ok || code != byte(i) {
			t.Fatalf("[%d] expected scan code %d; got %d (ok: %t)", i, byte(i), code, ok)
		}
	}

	if _, ok := TryRead(); ok {
		t.Fatal("expected queue to be empty")
	}

	// Space freed by the consumer is reused.
	press(0x42)
	if code, ok := TryRead(); !ok || code != 0x42 {
		t.Fatalf("expected scan code 0x42; got 0x%x (ok: %t)", code, ok)
	}
}

func TestQueueWrapAround(t *testing.T) {
	var q scanCodeQueue

	for round := 0; round < 3*queueSize; round++ {
		if !q.push(byte(round)) {
			t.Fatalf("[round %d] unexpected push failure", round)
		}
		if !q.push(byte(round + 1)) {
			t.Fatalf("[round %d] unexpected push failure", round)
		}

		for _, exp := range []byte{byte(round), byte(round + 1)} {
			if code, ok := q.pop(); !ok || code != exp {
				t.Fatalf("[round %d] expected %d; got %d (ok: %t)", round, exp, code, ok)
			}
		}
	}
}

func TestDriverInit(t *testing.T) {
	setupKeyboard(t)

	stale := 3
	var reads []uint16
	portReadByteFn = func(port uint16) uint8 {
		reads = append(reads, port)
		if port == statusPort && stale > 0 {
			stale--
			return statusOutputFull
		}
		return 0
	}

	var (
		boundLine    uint8
		boundHandler func(*gate.Registers)
		maskCalls    []string
	)
	handleIRQFn = func(line uint8, handler func(*gate.Registers)) *kernel.Error {
		boundLine, boundHandler = line, handler
		return nil
	}
	setMaskFn = func(line uint8, enabled bool) {
		maskCalls = append(maskCalls, fmt.Sprintf("%d:%t", line, enabled))
	}

	drv := probeForKeyboard()
	var buf bytes.Buffer
	if err := drv.DriverInit(&buf); err != nil {
		t.Fatal(err)
	}

	expReads := []uint16{statusPort, dataPort, statusPort, dataPort, statusPort, dataPort, statusPort}
	if diff := cmp.Diff(expReads, reads); diff != "" {
		t.Fatalf("unexpected port reads (-want +got):\n%s", diff)
	}

	if boundLine != irq.KeyboardLine || boundHandler == nil {
		t.Fatalf("expected a handler to be bound to IRQ %d; got line %d", irq.KeyboardLine, boundLine)
	}

	if diff := cmp.Diff([]string{"1:true"}, maskCalls); diff != "" {
		t.Fatalf("unexpected SetMask calls (-want +got):\n%s", diff)
	}

	if exp, got := "listening on IRQ 1, discarded 3 stale bytes\n", buf.String(); got != exp {
		t.Fatalf("expected init output %q; got %q", exp, got)
	}
}

func TestDriverInitError(t *testing.T) {
	setupKeyboard(t)

	portReadByteFn = func(uint16) uint8 { return 0 }
	expErr := &kernel.Error{Module: "test", Message: "bound"}
	handleIRQFn = func(uint8, func(*gate.Registers)) *kernel.Error { return expErr }
	setMaskFn = func(uint8, bool) { t.Fatal("unexpected call to SetMask") }

	if err := kbd.DriverInit(&bytes.Buffer{}); err != expErr {
		t.Fatalf("expected %v; got %v", expErr, err)
	}
}
