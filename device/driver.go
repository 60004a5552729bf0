package device

import (
	"io"
	"nucleos/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprint.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func() Driver

// DetectOrder specifies when each driver's probe function will be invoked
// by the hal package.
type DetectOrder int8

const (
	// DetectOrderEarly specifies that the driver's probe function should
	// be executed at the beginning of the HW detection phase. The serial
	// port uses this so that the remaining drivers can log their output.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderBeforeIRQ specifies that the driver's probe function
	// should be executed before any driver that needs hardware interrupts.
	DetectOrderBeforeIRQ DetectOrder = -64

	// DetectOrderIRQ specifies that the driver's probe function should be
	// executed once interrupt delivery has been set up.
	DetectOrderIRQ DetectOrder = 0

	// DetectOrderLast specifies that the driver's probe function should
	// be executed at the end of the HW detection phase.
	DetectOrderLast DetectOrder = 127
)

// maxDrivers is the capacity of the driver registry.
const maxDrivers = 16

var (
	errRegistryFull = &kernel.Error{Module: "device", Message: "driver registry is full"}

	registeredDrivers [maxDrivers]*DriverInfo
	driverCount       int
)

// DriverInfo is a driver-defined struct that is passed to calls to RegisterDriver.
type DriverInfo struct {
	// Order specifies at which stage of the HW detection step should
	// the probe function be invoked.
	Order DetectOrder

	// Probe is a function that checks for the presence of a particular
	// piece of hardware and returns back a driver for it.
	Probe ProbeFn
}

// RegisterDriver adds the supplied driver info to the registry. The registry
// is kept sorted by detection order; drivers with the same order are probed
// in registration order.
func RegisterDriver(info *DriverInfo) *kernel.Error {
	if driverCount == maxDrivers {
		return errRegistryFull
	}

	index := driverCount
	for ; index > 0 && registeredDrivers[index-1].Order > info.Order; index-- {
		registeredDrivers[index] = registeredDrivers[index-1]
	}
	registeredDrivers[index] = info
	driverCount++

	return nil
}

// DriverList returns the registered drivers sorted by detection order.
func DriverList() []*DriverInfo {
	return registeredDrivers[:driverCount]
}
