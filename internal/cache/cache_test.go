package cache

import (
	"testing"
)

func TestCausal_Square(t *testing.T) {
	c := NewMapCache()
	m := Causal(c, 4, 4)

	b, h, tq, ts := m.Dims()
	if b != 1 || h != 1 || tq != 4 || ts != 4 {
		t.Fatalf("unexpected shape (%d, %d, %d, %d)", b, h, tq, ts)
	}

	// Row i sees positions j <= i.
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			got := m.At(0, 0, i, j)
			if j <= i && got != 0 {
				t.Errorf("(%d, %d) should be visible, got %f", i, j, got)
			}
			if j > i && got != MaskedScore {
				t.Errorf("(%d, %d) should be hidden, got %f", i, j, got)
			}
		}
	}
}

func TestCausal_Rectangular(t *testing.T) {
	// tq=2 over ts=5: the targets align with the END of the source,
	// so row 0 sees j <= 3 and row 1 sees everything.
	c := NewMapCache()
	m := Causal(c, 2, 5)

	want := [2][5]bool{
		{true, true, true, true, false},
		{true, true, true, true, true},
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 5; j++ {
			visible := m.At(0, 0, i, j) == 0
			if visible != want[i][j] {
				t.Errorf("(%d, %d): visible=%v, want %v", i, j, visible, want[i][j])
			}
		}
	}
}

func TestCausal_TargetLongerThanSource(t *testing.T) {
	// tq=4 over ts=2: rows 0 and 1 precede the whole source and come
	// back fully masked; row 2 sees j <= 0, row 3 sees everything.
	c := NewMapCache()
	m := Causal(c, 4, 2)

	want := [4][2]bool{
		{false, false},
		{false, false},
		{true, false},
		{true, true},
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 2; j++ {
			visible := m.At(0, 0, i, j) == 0
			if visible != want[i][j] {
				t.Errorf("(%d, %d): visible=%v, want %v", i, j, visible, want[i][j])
			}
		}
	}
}

func TestCausal_Cached(t *testing.T) {
	c := NewMapCache()

	m1 := Causal(c, 8, 8)
	m2 := Causal(c, 8, 8)
	if m1 != m2 {
		t.Error("second request for the same shape should return the cached mask")
	}
	if c.Size() != 1 {
		t.Errorf("Size() = %d, want 1", c.Size())
	}

	m3 := Causal(c, 8, 16)
	if m3 == m1 {
		t.Error("distinct shapes must not share a mask")
	}
	if c.Size() != 2 {
		t.Errorf("Size() = %d, want 2", c.Size())
	}
}

func TestPaddingMask(t *testing.T) {
	// A negative length clamps to zero: everything hidden.
	m := PaddingMask([]int{3, 5, 0, -2}, 5)

	b, h, tq, ts := m.Dims()
	if b != 4 || h != 1 || tq != 1 || ts != 5 {
		t.Fatalf("unexpected shape (%d, %d, %d, %d)", b, h, tq, ts)
	}

	wantVisible := [4]int{3, 5, 0, 0}
	for batch := 0; batch < 4; batch++ {
		for j := 0; j < 5; j++ {
			got := m.At(batch, 0, 0, j)
			if j < wantVisible[batch] && got != 0 {
				t.Errorf("batch %d pos %d should be visible, got %f", batch, j, got)
			}
			if j >= wantVisible[batch] && got != MaskedScore {
				t.Errorf("batch %d pos %d should be hidden, got %f", batch, j, got)
			}
		}
	}
}
