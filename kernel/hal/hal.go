// Package hal probes the registered device drivers and wires the detected
// devices into the rest of the kernel.
package hal

import (
	"io"
	"nucleos/device"
	"nucleos/kernel/kfmt"
)

// maxPrefixLen is the capacity of the buffer holding the driver name prefix.
const maxPrefixLen = 64

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	// activeConsole receives the kernel diagnostics output.
	activeConsole io.Writer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers [16]device.Driver
	driverCount   int

	// probed is the number of entries in the driver list that have
	// already been probed.
	probed int
}

// prefixBuffer is a fixed capacity io.Writer. Writes past its capacity are
// truncated.
type prefixBuffer struct {
	data [maxPrefixLen]byte
	len  int
}

func (b *prefixBuffer) Write(p []byte) (int, error) {
	n := copy(b.data[b.len:], p)
	b.len += n
	return len(p), nil
}

func (b *prefixBuffer) Reset() { b.len = 0 }

func (b *prefixBuffer) Bytes() []byte { return b.data[:b.len] }

var (
	devices managedDevices
	strBuf  prefixBuffer
	w       kfmt.PrefixWriter

	// driverListFn is used by tests.
	driverListFn = device.DriverList
)

// ActiveConsole returns the device that receives the kernel output or nil if
// no console has been detected yet.
func ActiveConsole() io.Writer {
	return devices.activeConsole
}

// DetectHardware probes the drivers whose detection order is less than or
// equal to maxOrder and have not been probed by a previous call. The boot
// code calls it once before interrupts are configured and once after.
func DetectHardware(maxOrder device.DetectOrder) {
	drivers := driverListFn()

	for ; devices.probed < len(drivers) && drivers[devices.probed].Order <= maxOrder; devices.probed++ {
		probe(drivers[devices.probed])
	}
}

// probe executes the probe function for the supplied driver and invokes
// onDriverInit if the driver is successfully initialized.
func probe(info *device.DriverInfo) {
	drv := info.Probe()
	if drv == nil {
		return
	}

	strBuf.Reset()
	major, minor, patch := drv.DriverVersion()
	kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
	w.Prefix = strBuf.Bytes()
	w.Reset()
	w.Sink = kfmt.GetOutputSink()
	if w.Sink == nil {
		w.Sink = earlyOutput{}
	}

	if err := drv.DriverInit(&w); err != nil {
		kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
		return
	}

	kfmt.Fprintf(&w, "initialized\n")
	onDriverInit(drv)
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized. The first driver that can accept output
// becomes the kernel console.
func onDriverInit(drv device.Driver) {
	if devices.driverCount < len(devices.activeDrivers) {
		devices.activeDrivers[devices.driverCount] = drv
		devices.driverCount++
	}

	if cons, ok := drv.(io.Writer); ok && devices.activeConsole == nil {
		devices.activeConsole = cons
		kfmt.SetOutputSink(cons)
	}
}

// earlyOutput forwards driver output to kfmt while no console is attached so
// that it is kept in the early print buffer.
type earlyOutput struct{}

func (earlyOutput) Write(p []byte) (int, error) {
	kfmt.Printf("%s", p)
	return len(p), nil
}
