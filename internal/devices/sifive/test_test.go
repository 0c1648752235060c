package sifive

import (
	"testing"
)

func TestFinisherCodes(t *testing.T) {
	cases := []struct {
		name  string
		value uint64
		want  Finish
	}{
		{"pass", FinisherPass, Finish{}},
		{"reset", FinisherReset, Finish{Reboot: true}},
		{"fail", FinisherFail | 7<<16, Finish{Code: 7}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got *Finish
			d := New(func(f Finish) { got = &f })
			if err := d.Write(0, 4, tc.value); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if got == nil {
				t.Fatal("OnFinish never fired")
			}
			if *got != tc.want {
				t.Errorf("finish = %+v, want %+v", *got, tc.want)
			}
		})
	}
}

func TestFinisherFiresOnce(t *testing.T) {
	var count int
	d := New(func(Finish) { count++ })

	d.Shutdown()
	d.Reboot()
	d.Write(0, 4, FinisherPass)

	if count != 1 {
		t.Errorf("OnFinish fired %d times, want 1", count)
	}
}

func TestFinisherIgnoresOtherWrites(t *testing.T) {
	var count int
	d := New(func(Finish) { count++ })

	d.Write(8, 4, FinisherPass) // wrong offset
	d.Write(0, 4, 0x1234)      // unknown code
	if count != 0 {
		t.Errorf("OnFinish fired %d times for ignored writes", count)
	}
}
