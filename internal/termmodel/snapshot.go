package termmodel

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	snapshotMagic   uint16 = 0x5654
	snapshotVersion byte   = 0x01

	markerBlankRun byte = 0xFE
	markerRunCell  byte = 0xFF
)

// ErrBadSnapshot is returned by Decode when the header magic/version
// does not match.
var ErrBadSnapshot = errors.New("termmodel: not a BufferSnapshot")

// Snapshot is the decoded, in-memory form of a BufferSnapshot: a
// self-describing, re-renderable copy of a Screen at one instant.
type Snapshot struct {
	Cols, Rows       int
	ViewportY        int
	CursorX, CursorY int
	Lines            [][]Cell // Cols cells per row, Rows rows
}

// Snapshot takes a read-locked, self-consistent copy of the current
// screen state.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.screen
	lines := make([][]Cell, s.rows)
	for y := 0; y < s.rows; y++ {
		row := make([]Cell, s.cols)
		copy(row, s.grid()[y*s.cols:(y+1)*s.cols])
		lines[y] = row
	}
	return Snapshot{
		Cols:      s.cols,
		Rows:      s.rows,
		ViewportY: s.viewportY,
		CursorX:   s.cursorX,
		CursorY:   s.cursorY,
		Lines:     lines,
	}
}

// Encode serializes the snapshot per the BufferSnapshot wire format:
// a 16-byte header followed by run-length-encoded rows.
func Encode(snap Snapshot) []byte {
	var buf bytes.Buffer
	header := make([]byte, 16)
	binary.LittleEndian.PutUint16(header[0:2], snapshotMagic)
	header[2] = snapshotVersion
	header[3] = 0 // flags: full snapshot, bit0 (delta) unset
	binary.LittleEndian.PutUint16(header[4:6], uint16(snap.Cols))
	binary.LittleEndian.PutUint16(header[6:8], uint16(snap.Rows))
	binary.LittleEndian.PutUint16(header[8:10], uint16(snap.ViewportY))
	binary.LittleEndian.PutUint16(header[10:12], uint16(snap.CursorX))
	binary.LittleEndian.PutUint16(header[12:14], uint16(snap.CursorY))
	// bytes 14-15 reserved, left zero
	buf.Write(header)

	i := 0
	for i < len(snap.Lines) {
		if rowIsBlank(snap.Lines[i]) {
			run := 1
			for i+run < len(snap.Lines) && run < 255 && rowIsBlank(snap.Lines[i+run]) {
				run++
			}
			buf.WriteByte(markerBlankRun)
			buf.WriteByte(byte(run))
			i += run
			continue
		}
		encodeRow(&buf, snap.Lines[i])
		i++
	}
	return buf.Bytes()
}

func rowIsBlank(row []Cell) bool {
	for _, c := range row {
		if !c.isBlankLike() {
			return false
		}
	}
	return true
}

func encodeRow(buf *bytes.Buffer, row []Cell) {
	i := 0
	for i < len(row) {
		run := 1
		for i+run < len(row) && run < 255 && cellEqual(row[i], row[i+run]) {
			run++
		}
		if run >= 3 {
			buf.WriteByte(markerRunCell)
			buf.WriteByte(byte(clampRun(run)))
			encodeCell(buf, row[i])
			i += run
			continue
		}
		encodeCell(buf, row[i])
		i++
	}
}

func clampRun(n int) int {
	if n > 255 {
		return 255
	}
	return n
}

func cellEqual(a, b Cell) bool {
	if a.Rune != b.Rune || a.Attr != b.Attr || a.Trailer != b.Trailer {
		return false
	}
	if a.FG != b.FG || a.BG != b.BG {
		return false
	}
	return len(a.Combining) == 0 && len(b.Combining) == 0
}

// extended-cell marker byte layout: bit7=1 (extended), bit6=isTrailer,
// bits0-5=number of trailing combining marks (trailer cells carry none
// and have no payload beyond the marker byte).
const extTrailerBit = 0x40

func encodeCell(buf *bytes.Buffer, c Cell) {
	if c.Trailer {
		buf.WriteByte(0x80 | extTrailerBit)
		return
	}
	if c.Rune > 0 && c.Rune < 0x80 && c.FG.Mode != ColorRGB && c.BG.Mode != ColorRGB && len(c.Combining) == 0 {
		fg, fgOk := indexOrDefault(c.FG)
		bg, bgOk := indexOrDefault(c.BG)
		if fgOk && bgOk {
			buf.WriteByte(byte(c.Rune))
			buf.WriteByte(byte(c.Attr))
			buf.WriteByte(fg)
			buf.WriteByte(bg)
			return
		}
	}
	encodeExtendedCell(buf, c)
}

func indexOrDefault(c Color) (byte, bool) {
	switch c.Mode {
	case ColorDefault:
		return 0xFF, true
	case ColorIndexed:
		// 0xFF is the basic cell's "default colour" byte, so palette
		// index 255 needs the extended form.
		if c.Index == 0xFF {
			return 0, false
		}
		return c.Index, true
	default:
		return 0, false
	}
}

// encodeExtendedCell writes a variable-length cell: marker byte with
// high bit set, varint codepoint, any combining-mark codepoints, an
// attr byte, then a 4-byte color descriptor per channel (mode byte
// plus 3 value bytes, RGB or palette index).
func encodeExtendedCell(buf *bytes.Buffer, c Cell) {
	buf.WriteByte(0x80 | byte(len(c.Combining)))
	writeUvarint(buf, uint64(c.Rune))
	for _, r := range c.Combining {
		writeUvarint(buf, uint64(r))
	}
	buf.WriteByte(byte(c.Attr))
	writeColor(buf, c.FG)
	writeColor(buf, c.BG)
}

func writeColor(buf *bytes.Buffer, c Color) {
	buf.WriteByte(byte(c.Mode))
	switch c.Mode {
	case ColorRGB:
		buf.WriteByte(c.R)
		buf.WriteByte(c.G)
		buf.WriteByte(c.B)
	case ColorIndexed:
		buf.WriteByte(c.Index)
		buf.WriteByte(0)
		buf.WriteByte(0)
	default:
		buf.WriteByte(0)
		buf.WriteByte(0)
		buf.WriteByte(0)
	}
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, v)
	buf.Write(tmp[:n])
}

// Decode parses bytes produced by Encode back into a Snapshot.
func Decode(data []byte) (Snapshot, error) {
	if len(data) < 16 {
		return Snapshot{}, ErrBadSnapshot
	}
	if binary.LittleEndian.Uint16(data[0:2]) != snapshotMagic {
		return Snapshot{}, ErrBadSnapshot
	}
	if data[2] != snapshotVersion {
		return Snapshot{}, ErrBadSnapshot
	}
	cols := int(binary.LittleEndian.Uint16(data[4:6]))
	rows := int(binary.LittleEndian.Uint16(data[6:8]))
	snap := Snapshot{
		Cols:      cols,
		Rows:      rows,
		ViewportY: int(binary.LittleEndian.Uint16(data[8:10])),
		CursorX:   int(binary.LittleEndian.Uint16(data[10:12])),
		CursorY:   int(binary.LittleEndian.Uint16(data[12:14])),
	}

	body := data[16:]
	pos := 0
	snap.Lines = make([][]Cell, 0, rows)

	blankRow := func() []Cell {
		row := make([]Cell, cols)
		for i := range row {
			row[i] = Blank()
		}
		return row
	}

	for len(snap.Lines) < rows {
		if pos >= len(body) {
			return Snapshot{}, ErrBadSnapshot
		}
		if body[pos] == markerBlankRun {
			pos++
			if pos >= len(body) {
				return Snapshot{}, ErrBadSnapshot
			}
			count := int(body[pos])
			pos++
			for i := 0; i < count && len(snap.Lines) < rows; i++ {
				snap.Lines = append(snap.Lines, blankRow())
			}
			continue
		}

		row := make([]Cell, 0, cols)
		for len(row) < cols {
			if pos >= len(body) {
				return Snapshot{}, ErrBadSnapshot
			}
			if body[pos] == markerRunCell {
				pos++
				if pos >= len(body) {
					return Snapshot{}, ErrBadSnapshot
				}
				count := int(body[pos])
				pos++
				c, n, err := decodeCell(body[pos:])
				if err != nil {
					return Snapshot{}, err
				}
				pos += n
				for i := 0; i < count && len(row) < cols; i++ {
					row = append(row, c)
				}
				continue
			}
			c, n, err := decodeCell(body[pos:])
			if err != nil {
				return Snapshot{}, err
			}
			pos += n
			row = append(row, c)
		}
		snap.Lines = append(snap.Lines, row)
	}
	return snap, nil
}

func decodeCell(data []byte) (Cell, int, error) {
	if len(data) == 0 {
		return Cell{}, 0, ErrBadSnapshot
	}
	if data[0]&0x80 == 0 {
		if len(data) < 4 {
			return Cell{}, 0, ErrBadSnapshot
		}
		c := Cell{Rune: rune(data[0]), Attr: Attr(data[1])}
		c.FG = decodeBasicColor(data[2])
		c.BG = decodeBasicColor(data[3])
		return c, 4, nil
	}

	if data[0]&extTrailerBit != 0 {
		return Cell{Trailer: true}, 1, nil
	}

	numCombining := int(data[0] &^ 0x80)
	pos := 1
	r, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return Cell{}, 0, ErrBadSnapshot
	}
	pos += n
	combining := make([]rune, 0, numCombining)
	for i := 0; i < numCombining; i++ {
		cr, cn := binary.Uvarint(data[pos:])
		if cn <= 0 {
			return Cell{}, 0, ErrBadSnapshot
		}
		pos += cn
		combining = append(combining, rune(cr))
	}
	attr, fg, bg, n2, err := decodeTail(data[pos:])
	if err != nil {
		return Cell{}, 0, err
	}
	return Cell{Rune: rune(r), Combining: combining, Attr: attr, FG: fg, BG: bg}, pos + n2, nil
}

func decodeTail(data []byte) (Attr, Color, Color, int, error) {
	if len(data) < 9 {
		return 0, Color{}, Color{}, 0, ErrBadSnapshot
	}
	attr := Attr(data[0])
	fg, fn := decodeColor(data[1:])
	bg, bn := decodeColor(data[1+fn:])
	return attr, fg, bg, 1 + fn + bn, nil
}

func decodeColor(data []byte) (Color, int) {
	mode := ColorMode(data[0])
	switch mode {
	case ColorRGB:
		return Color{Mode: ColorRGB, R: data[1], G: data[2], B: data[3]}, 4
	case ColorIndexed:
		return Color{Mode: ColorIndexed, Index: data[1]}, 4
	default:
		return Color{}, 4
	}
}

func decodeBasicColor(b byte) Color {
	if b == 0xFF {
		return Color{}
	}
	return Color{Mode: ColorIndexed, Index: b}
}
