package termmodel

import "testing"

func TestFeedPrintableAndNewline(t *testing.T) {
	m := NewModel(10, 3, nil)
	m.Feed([]byte("hi\r\n"))
	snap := m.Snapshot()
	if snap.Lines[0][0].Rune != 'h' || snap.Lines[0][1].Rune != 'i' {
		t.Fatalf("row0 = %+v", snap.Lines[0][:2])
	}
	if snap.CursorY != 1 || snap.CursorX != 0 {
		t.Fatalf("cursor = (%d,%d), want (0,1)", snap.CursorX, snap.CursorY)
	}
}

func TestSGRColors(t *testing.T) {
	m := NewModel(10, 1, nil)
	m.Feed([]byte("\x1b[1;31mX\x1b[0m"))
	snap := m.Snapshot()
	c := snap.Lines[0][0]
	if c.Rune != 'X' {
		t.Fatalf("rune = %q, want X", c.Rune)
	}
	if c.Attr&AttrBold == 0 {
		t.Fatalf("expected bold attr")
	}
	if c.FG.Mode != ColorIndexed || c.FG.Index != 1 {
		t.Fatalf("fg = %+v, want indexed 1", c.FG)
	}
}

func TestTruecolorSGR(t *testing.T) {
	m := NewModel(5, 1, nil)
	m.Feed([]byte("\x1b[38;2;10;20;30mY"))
	snap := m.Snapshot()
	c := snap.Lines[0][0]
	if c.FG.Mode != ColorRGB || c.FG.R != 10 || c.FG.G != 20 || c.FG.B != 30 {
		t.Fatalf("fg = %+v", c.FG)
	}
}

func TestCursorMovementCSI(t *testing.T) {
	m := NewModel(10, 5, nil)
	m.Feed([]byte("\x1b[3;4Habc"))
	snap := m.Snapshot()
	if snap.Lines[2][3].Rune != 'a' {
		t.Fatalf("row2 col3 = %q, want a", snap.Lines[2][3].Rune)
	}
}

func TestEraseInLine(t *testing.T) {
	m := NewModel(5, 1, nil)
	m.Feed([]byte("abcde\r\x1b[K"))
	snap := m.Snapshot()
	for i, c := range snap.Lines[0] {
		if c.Rune != ' ' && c.Rune != 0 {
			t.Fatalf("cell %d = %q, want blank", i, c.Rune)
		}
	}
}

func TestAltScreenPreservesPrimary(t *testing.T) {
	m := NewModel(5, 1, nil)
	m.Feed([]byte("abc"))
	m.Feed([]byte("\x1b[?1049h"))
	m.Feed([]byte("xyz"))
	m.Feed([]byte("\x1b[?1049l"))
	snap := m.Snapshot()
	if snap.Lines[0][0].Rune != 'a' {
		t.Fatalf("primary screen not preserved: %q", snap.Lines[0][0].Rune)
	}
}

func TestSnapshotEncodeDecodeRoundTrip(t *testing.T) {
	m := NewModel(8, 4, nil)
	m.Feed([]byte("\x1b[1;32mhello\x1b[0m\r\nworld"))
	snap := m.Snapshot()
	encoded := Encode(snap)

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Cols != snap.Cols || decoded.Rows != snap.Rows {
		t.Fatalf("dims = %dx%d, want %dx%d", decoded.Cols, decoded.Rows, snap.Cols, snap.Rows)
	}
	for y := range snap.Lines {
		for x := range snap.Lines[y] {
			want := snap.Lines[y][x]
			got := decoded.Lines[y][x]
			if want.Rune != got.Rune || want.Attr != got.Attr || want.FG != got.FG || want.BG != got.BG {
				t.Fatalf("cell (%d,%d) = %+v, want %+v", x, y, got, want)
			}
		}
	}
}

func TestResizePreservesOverlap(t *testing.T) {
	m := NewModel(5, 2, nil)
	m.Feed([]byte("ab"))
	m.Resize(8, 3)
	snap := m.Snapshot()
	if snap.Cols != 8 || snap.Rows != 3 {
		t.Fatalf("dims = %dx%d", snap.Cols, snap.Rows)
	}
	if snap.Lines[0][0].Rune != 'a' {
		t.Fatalf("overlap not preserved")
	}
}
