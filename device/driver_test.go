package device

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func resetRegistry() {
	registeredDrivers = [maxDrivers]*DriverInfo{}
	driverCount = 0
}

func TestDriverListOrder(t *testing.T) {
	defer resetRegistry()

	origlist := []*DriverInfo{
		{Order: DetectOrderIRQ},
		{Order: DetectOrderLast},
		{Order: DetectOrderBeforeIRQ},
		{Order: DetectOrderEarly},
		{Order: DetectOrderIRQ},
	}

	for _, drv := range origlist {
		if err := RegisterDriver(drv); err != nil {
			t.Fatal(err)
		}
	}

	registeredList := DriverList()
	if exp, got := len(origlist), len(registeredList); got != exp {
		t.Fatalf("expected DriverList() to return %d entries; got %d", exp, got)
	}

	expOrder := []int{3, 2, 0, 4, 1}
	for i, exp := range expOrder {
		if registeredList[i] != origlist[exp] {
			t.Errorf("expected entry %d to be driver %d", i, exp)
		}
	}

	var gotOrders []DetectOrder
	for _, info := range registeredList {
		gotOrders = append(gotOrders, info.Order)
	}
	expOrders := []DetectOrder{DetectOrderEarly, DetectOrderBeforeIRQ, DetectOrderIRQ, DetectOrderIRQ, DetectOrderLast}
	if diff := cmp.Diff(expOrders, gotOrders); diff != "" {
		t.Fatalf("unexpected detection order (-want +got):\n%s", diff)
	}
}

func TestRegisterDriverFull(t *testing.T) {
	defer resetRegistry()

	for i := 0; i < maxDrivers; i++ {
		if err := RegisterDriver(&DriverInfo{Order: DetectOrderLast}); err != nil {
			t.Fatalf("[driver %d] unexpected error: %v", i, err)
		}
	}

	if err := RegisterDriver(&DriverInfo{}); err != errRegistryFull {
		t.Fatalf("expected errRegistryFull; got %v", err)
	}

	if got := len(DriverList()); got != maxDrivers {
		t.Fatalf("expected %d registered drivers; got %d", maxDrivers, got)
	}
}
