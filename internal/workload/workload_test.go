package workload

import "testing"

func TestBurnNoopAtZeroUnits(t *testing.T) {
	before := sink
	Burn(100, 0)
	if sink != before {
		t.Fatalf("Burn with units=0 must not touch sink")
	}
}

func TestBurnNonzeroUnitsProducesOutput(t *testing.T) {
	Burn(1, 1000)
	if sink == 0 {
		t.Fatalf("Burn with nonzero units must produce observable output")
	}
}
