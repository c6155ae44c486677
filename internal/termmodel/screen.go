package termmodel

// Screen is a mutable grid of cells plus cursor state, with a primary
// and alternate buffer (swapped by DEC private mode 1049/47).
type Screen struct {
	cols, rows int

	primary []Cell
	alt     []Cell
	onAlt   bool

	cursorX, cursorY int
	pendingWrap      bool
	cursorVisible    bool

	scrollback   [][]Cell
	scrollbackMax int
	viewportY    int
}

// NewScreen allocates a screen of the given size.
func NewScreen(cols, rows int) *Screen {
	s := &Screen{
		cols:          cols,
		rows:          rows,
		primary:       make([]Cell, cols*rows),
		alt:           make([]Cell, cols*rows),
		cursorVisible: true,
		scrollbackMax: 2000,
	}
	for i := range s.primary {
		s.primary[i] = Blank()
		s.alt[i] = Blank()
	}
	return s
}

func (s *Screen) grid() []Cell {
	if s.onAlt {
		return s.alt
	}
	return s.primary
}

func (s *Screen) at(x, y int) Cell {
	return s.grid()[y*s.cols+x]
}

func (s *Screen) set(x, y int, c Cell) {
	s.grid()[y*s.cols+x] = c
}

// Resize reallocates the grid preserving the top-left overlap of old
// and new content. Cursor position is clamped into bounds.
func (s *Screen) Resize(cols, rows int) {
	if cols == s.cols && rows == s.rows {
		return
	}
	resizeOne := func(old []Cell, oldCols, oldRows int) []Cell {
		next := make([]Cell, cols*rows)
		for i := range next {
			next[i] = Blank()
		}
		for y := 0; y < rows && y < oldRows; y++ {
			for x := 0; x < cols && x < oldCols; x++ {
				next[y*cols+x] = old[y*oldCols+x]
			}
		}
		return next
	}
	s.primary = resizeOne(s.primary, s.cols, s.rows)
	s.alt = resizeOne(s.alt, s.cols, s.rows)
	s.cols, s.rows = cols, rows
	if s.cursorX >= cols {
		s.cursorX = cols - 1
	}
	if s.cursorY >= rows {
		s.cursorY = rows - 1
	}
	s.pendingWrap = false
}

// SetAltScreen toggles the alternate screen buffer, never discarding
// the primary buffer's contents.
func (s *Screen) SetAltScreen(on bool) {
	if s.onAlt == on {
		return
	}
	s.onAlt = on
	s.cursorX, s.cursorY = 0, 0
	s.pendingWrap = false
}

func (s *Screen) advance(c Cell, width int) {
	if s.pendingWrap {
		s.cursorX = 0
		s.newline()
		s.pendingWrap = false
	}
	s.set(s.cursorX, s.cursorY, c)
	if width == 2 && s.cursorX+1 < s.cols {
		s.set(s.cursorX+1, s.cursorY, Cell{Trailer: true})
	}
	s.cursorX += width
	if s.cursorX >= s.cols {
		s.cursorX = s.cols - 1
		s.pendingWrap = true
	}
}

// AppendCombining attaches a combining mark to the most recently
// printed cell without advancing the cursor.
func (s *Screen) AppendCombining(r rune) {
	x := s.cursorX - 1
	if s.pendingWrap {
		x = s.cursorX
	}
	if x < 0 {
		return
	}
	g := s.grid()
	c := g[s.cursorY*s.cols+x]
	c.Combining = append(c.Combining, r)
	g[s.cursorY*s.cols+x] = c
}

func (s *Screen) newline() {
	if s.cursorY == s.rows-1 {
		s.scrollUp(1)
		return
	}
	s.cursorY++
}

// scrollUp shifts the grid up n rows, pushing scrolled-off rows into
// scrollback when operating on the primary buffer.
func (s *Screen) scrollUp(n int) {
	g := s.grid()
	for i := 0; i < n; i++ {
		if !s.onAlt {
			row := make([]Cell, s.cols)
			copy(row, g[0:s.cols])
			s.pushScrollback(row)
		}
		copy(g, g[s.cols:])
		for x := 0; x < s.cols; x++ {
			g[(s.rows-1)*s.cols+x] = Blank()
		}
	}
}

func (s *Screen) pushScrollback(row []Cell) {
	s.scrollback = append(s.scrollback, row)
	if len(s.scrollback) > s.scrollbackMax {
		s.scrollback = s.scrollback[len(s.scrollback)-s.scrollbackMax:]
	}
}

// EraseInLine clears part of the cursor's row. mode: 0=to end,
// 1=to start, 2=whole line.
func (s *Screen) EraseInLine(mode int) {
	g := s.grid()
	start, end := 0, s.cols
	switch mode {
	case 0:
		start = s.cursorX
	case 1:
		end = s.cursorX + 1
	case 2:
		// full row
	default:
		return
	}
	for x := start; x < end && x < s.cols; x++ {
		g[s.cursorY*s.cols+x] = Blank()
	}
}

// EraseInDisplay clears part of the screen. mode: 0=to end, 1=to
// start, 2/3=whole screen.
func (s *Screen) EraseInDisplay(mode int) {
	switch mode {
	case 0:
		s.EraseInLine(0)
		for y := s.cursorY + 1; y < s.rows; y++ {
			s.clearRow(y)
		}
	case 1:
		s.EraseInLine(1)
		for y := 0; y < s.cursorY; y++ {
			s.clearRow(y)
		}
	case 2, 3:
		for y := 0; y < s.rows; y++ {
			s.clearRow(y)
		}
	}
}

func (s *Screen) clearRow(y int) {
	g := s.grid()
	for x := 0; x < s.cols; x++ {
		g[y*s.cols+x] = Blank()
	}
}

// MoveCursor sets the cursor to an absolute position, clamped to the
// grid, and clears any pending-wrap state.
func (s *Screen) MoveCursor(x, y int) {
	if x < 0 {
		x = 0
	}
	if x >= s.cols {
		x = s.cols - 1
	}
	if y < 0 {
		y = 0
	}
	if y >= s.rows {
		y = s.rows - 1
	}
	s.cursorX, s.cursorY = x, y
	s.pendingWrap = false
}
