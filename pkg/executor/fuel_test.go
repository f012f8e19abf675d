package executor

import "testing"

func TestFuelMeterConsumeWithinLimit(t *testing.T) {
	f := NewFuelMeter(10)
	if err := f.Consume(4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Remaining() != 6 {
		t.Fatalf("expected 6 remaining, got %d", f.Remaining())
	}
}

func TestFuelMeterConsumeBeyondLimitFails(t *testing.T) {
	f := NewFuelMeter(3)
	if err := f.Consume(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.Consume(2); err == nil {
		t.Fatal("expected out-of-fuel error")
	}
}
