package termmodel

import (
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

type parserState int

const (
	stateGround parserState = iota
	stateEscape
	stateCSI
	stateOSC
)

// Model parses a byte stream into a Screen and answers on-demand
// BufferSnapshot requests. Feed must be called from a single producer;
// Snapshot is safe to call concurrently with Feed.
type Model struct {
	mu     sync.RWMutex
	screen *Screen

	state     parserState
	csiParams []int
	csiCur    string
	csiPrivate bool
	oscBuf    []byte

	curAttr Attr
	curFG   Color
	curBG   Color

	title string

	// respond, if set, is used to answer terminal queries (OSC 10/11
	// color requests) by writing bytes back to the child's stdin.
	respond func([]byte)
}

// NewModel creates a Model over a grid of the given size.
func NewModel(cols, rows int, respond func([]byte)) *Model {
	return &Model{
		screen:  NewScreen(cols, rows),
		respond: respond,
	}
}

// Resize resizes the underlying screen.
func (m *Model) Resize(cols, rows int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.screen.Resize(cols, rows)
}

// Feed parses data and applies it to the screen. It holds the write
// lock for the duration of the chunk so Snapshot readers never observe
// a torn grid mid-chunk.
func (m *Model) Feed(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := 0
	for i < len(data) {
		b := data[i]
		switch m.state {
		case stateGround:
			n := m.feedGround(data[i:])
			i += n
		case stateEscape:
			i += m.feedEscape(data[i:])
		case stateCSI:
			i += m.feedCSI(data[i:])
		case stateOSC:
			i += m.feedOSC(data[i:])
		default:
			i++
		}
		_ = b
	}
}

// feedGround consumes printable runes and C0 controls until an ESC is
// seen or the buffer is exhausted; returns bytes consumed.
func (m *Model) feedGround(data []byte) int {
	b := data[0]
	switch b {
	case 0x1b:
		m.state = stateEscape
		return 1
	case '\a': // BEL
		return 1
	case '\b': // BS
		if m.screen.cursorX > 0 {
			m.screen.cursorX--
			m.screen.pendingWrap = false
		}
		return 1
	case '\t': // HT: next multiple of 8
		next := (m.screen.cursorX/8 + 1) * 8
		if next >= m.screen.cols {
			next = m.screen.cols - 1
		}
		m.screen.cursorX = next
		return 1
	case '\n': // LF
		m.screen.cursorX = 0
		m.screen.newline()
		m.screen.pendingWrap = false
		return 1
	case '\r': // CR
		m.screen.cursorX = 0
		m.screen.pendingWrap = false
		return 1
	}
	if b < 0x20 {
		return 1
	}

	r, size := utf8.DecodeRune(data)
	if r == utf8.RuneError && size <= 1 {
		return 1
	}
	if unicode.In(r, unicode.Mn, unicode.Me) {
		m.screen.AppendCombining(r)
		return size
	}
	width := runewidth.RuneWidth(r)
	if width <= 0 {
		width = 1
	}
	m.screen.advance(Cell{Rune: r, Attr: m.curAttr, FG: m.curFG, BG: m.curBG}, width)
	return size
}

func (m *Model) feedEscape(data []byte) int {
	b := data[0]
	switch b {
	case '[':
		m.state = stateCSI
		m.csiParams = m.csiParams[:0]
		m.csiCur = ""
		m.csiPrivate = false
		return 1
	case ']':
		m.state = stateOSC
		m.oscBuf = m.oscBuf[:0]
		return 1
	case '7', '8', '=', '>', 'M', 'c':
		m.state = stateGround
		return 1
	default:
		m.state = stateGround
		return 1
	}
}

func (m *Model) feedCSI(data []byte) int {
	b := data[0]
	switch {
	case b == '?':
		m.csiPrivate = true
		return 1
	case b >= '0' && b <= '9':
		m.csiCur += string(b)
		return 1
	case b == ';':
		m.csiParams = append(m.csiParams, parseIntOr(m.csiCur, 0))
		m.csiCur = ""
		return 1
	case b >= 0x40 && b <= 0x7e:
		m.csiParams = append(m.csiParams, parseIntOr(m.csiCur, 0))
		m.csiCur = ""
		m.execCSI(b)
		m.state = stateGround
		return 1
	default:
		// consume unknown intermediate bytes silently
		return 1
	}
}

func parseIntOr(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func (m *Model) param(i int, def int) int {
	if i >= len(m.csiParams) || m.csiParams[i] == 0 {
		return def
	}
	return m.csiParams[i]
}

func (m *Model) execCSI(final byte) {
	s := m.screen
	if m.csiPrivate {
		m.execPrivateMode(final)
		return
	}
	switch final {
	case 'A':
		s.MoveCursor(s.cursorX, s.cursorY-m.param(0, 1))
	case 'B':
		s.MoveCursor(s.cursorX, s.cursorY+m.param(0, 1))
	case 'C':
		s.MoveCursor(s.cursorX+m.param(0, 1), s.cursorY)
	case 'D':
		s.MoveCursor(s.cursorX-m.param(0, 1), s.cursorY)
	case 'H', 'f':
		row := m.param(0, 1)
		col := m.param(1, 1)
		s.MoveCursor(col-1, row-1)
	case 'G':
		s.MoveCursor(m.param(0, 1)-1, s.cursorY)
	case 'd':
		s.MoveCursor(s.cursorX, m.param(0, 1)-1)
	case 'J':
		s.EraseInDisplay(m.param(0, 0))
	case 'K':
		s.EraseInLine(m.param(0, 0))
	case 'm':
		m.execSGR()
	}
}

func (m *Model) execPrivateMode(final byte) {
	set := final == 'h'
	if final != 'h' && final != 'l' {
		return
	}
	for _, p := range m.csiParams {
		switch p {
		case 25: // cursor visibility
			m.screen.cursorVisible = set
		case 1049, 47, 1047: // alternate screen buffer
			m.screen.SetAltScreen(set)
		}
	}
}

func (m *Model) execSGR() {
	if len(m.csiParams) == 0 {
		m.curAttr, m.curFG, m.curBG = 0, Color{}, Color{}
		return
	}
	for i := 0; i < len(m.csiParams); i++ {
		p := m.csiParams[i]
		switch {
		case p == 0:
			m.curAttr, m.curFG, m.curBG = 0, Color{}, Color{}
		case p == 1:
			m.curAttr |= AttrBold
		case p == 2:
			m.curAttr |= AttrDim
		case p == 3:
			m.curAttr |= AttrItalic
		case p == 4:
			m.curAttr |= AttrUnderline
		case p == 5:
			m.curAttr |= AttrBlink
		case p == 7:
			m.curAttr |= AttrReverse
		case p == 8:
			m.curAttr |= AttrHidden
		case p == 9:
			m.curAttr |= AttrStrike
		case p == 22:
			m.curAttr &^= AttrBold | AttrDim
		case p == 23:
			m.curAttr &^= AttrItalic
		case p == 24:
			m.curAttr &^= AttrUnderline
		case p == 27:
			m.curAttr &^= AttrReverse
		case p >= 30 && p <= 37:
			m.curFG = Color{Mode: ColorIndexed, Index: uint8(p - 30)}
		case p == 38:
			c, consumed := m.extendedColor(i)
			m.curFG = c
			i += consumed
		case p == 39:
			m.curFG = Color{}
		case p >= 40 && p <= 47:
			m.curBG = Color{Mode: ColorIndexed, Index: uint8(p - 40)}
		case p == 48:
			c, consumed := m.extendedColor(i)
			m.curBG = c
			i += consumed
		case p == 49:
			m.curBG = Color{}
		case p >= 90 && p <= 97:
			m.curFG = Color{Mode: ColorIndexed, Index: uint8(p - 90 + 8)}
		case p >= 100 && p <= 107:
			m.curBG = Color{Mode: ColorIndexed, Index: uint8(p - 100 + 8)}
		}
	}
}

// extendedColor parses the 38/48 ";5;n" (256-color) or ";2;r;g;b"
// (truecolor) forms starting at params[i+1]. Returns the color and the
// number of extra params consumed beyond params[i].
func (m *Model) extendedColor(i int) (Color, int) {
	if i+1 >= len(m.csiParams) {
		return Color{}, 0
	}
	switch m.csiParams[i+1] {
	case 5:
		if i+2 < len(m.csiParams) {
			return Color{Mode: ColorIndexed, Index: uint8(m.csiParams[i+2])}, 2
		}
	case 2:
		if i+4 < len(m.csiParams) {
			return Color{
				Mode: ColorRGB,
				R:    uint8(m.csiParams[i+2]),
				G:    uint8(m.csiParams[i+3]),
				B:    uint8(m.csiParams[i+4]),
			}, 4
		}
	}
	return Color{}, 0
}

// feedOSC buffers an OSC string until its terminator (BEL or ST) and
// dispatches it. Returns bytes consumed.
func (m *Model) feedOSC(data []byte) int {
	b := data[0]
	if b == '\a' {
		m.dispatchOSC(string(m.oscBuf))
		m.state = stateGround
		return 1
	}
	if b == 0x1b && len(data) > 1 && data[1] == '\\' {
		m.dispatchOSC(string(m.oscBuf))
		m.state = stateGround
		return 2
	}
	m.oscBuf = append(m.oscBuf, b)
	return 1
}

func (m *Model) dispatchOSC(s string) {
	// "0;title" / "2;title" set the window title.
	if len(s) > 2 && (s[0] == '0' || s[0] == '2') && s[1] == ';' {
		m.title = s[2:]
		return
	}
	// "10;?" / "11;?" query foreground/background color.
	if m.respond == nil {
		return
	}
	if len(s) >= 3 && s[len(s)-1] == '?' {
		switch {
		case len(s) > 3 && s[:3] == "10;":
			m.respond([]byte("\x1b]10;rgb:c0c0/c0c0/c0c0\a"))
		case len(s) > 3 && s[:3] == "11;":
			m.respond([]byte("\x1b]11;rgb:0000/0000/0000\a"))
		}
	}
}

// Title returns the last OSC-set window title.
func (m *Model) Title() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.title
}
