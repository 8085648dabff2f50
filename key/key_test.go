package key

import "testing"

func TestCompare_Ordering(t *testing.T) {
	tests := []struct {
		a, b Key
		want int
	}{
		{Key{1, 2, 3}, Key{1, 2, 3, 4}, -1}, // strict prefix ranks first
		{Key{1, 3, 2}, Key{1, 2, 3}, 1},
		{Key{}, Key{}, 0},
		{Key{0x00}, Key{0xff}, -1},
		{Key{0x80}, Key{0x7f}, 1}, // unsigned comparison
	}
	for _, tt := range tests {
		if got := Compare(tt.a, tt.b); got != tt.want {
			t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestBefore_Irreflexive(t *testing.T) {
	k := Key{1, 2, 3}
	if Before(k, k) {
		t.Error("Before(k, k) must be false")
	}
}

func TestNew_RejectsEmpty(t *testing.T) {
	if _, err := New(nil); err != ErrEmptyKey {
		t.Errorf("New(nil) err = %v, want ErrEmptyKey", err)
	}
	if _, err := New([]byte{}); err != ErrEmptyKey {
		t.Errorf("New(empty) err = %v, want ErrEmptyKey", err)
	}
	if _, err := New([]byte{0}); err != nil {
		t.Errorf("New([0]) err = %v, want nil", err)
	}
}

func TestMinMax(t *testing.T) {
	a, b := Key{1}, Key{2}
	if !Equal(Min(a, b), a) || !Equal(Max(a, b), b) {
		t.Error("Min/Max disagree with Compare")
	}
}
