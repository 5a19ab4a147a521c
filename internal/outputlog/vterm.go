package outputlog

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/x/vt"
)

// VTerm feeds a session's raw PTY bytes through a headless terminal
// emulator so a reconnecting monitor client can be handed a single ANSI
// payload that repaints its screen exactly, instead of replaying the
// entire scrollback byte-for-byte.
type VTerm struct {
	emu *vt.Emulator

	mu           sync.Mutex
	altScreen    bool
	cursorHidden bool
	cols, rows   int
}

// NewVTerm creates a VTerm sized cols x rows.
func NewVTerm(cols, rows int) *VTerm {
	v := &VTerm{emu: vt.NewEmulator(cols, rows), cols: cols, rows: rows}
	v.emu.SetCallbacks(vt.Callbacks{
		AltScreen: func(on bool) {
			v.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			v.cursorHidden = !visible
		},
	})
	return v
}

// Write feeds PTY bytes to the emulator, updating its grid state.
func (v *VTerm) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Write(p)
}

// Resize changes the terminal dimensions.
func (v *VTerm) Resize(cols, rows int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Resize(cols, rows)
	v.cols, v.rows = cols, rows
}

// Snapshot renders the current grid plus cursor state as valid ANSI a
// client can apply directly to repaint its screen after reconnecting.
func (v *VTerm) Snapshot() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	var buf strings.Builder
	buf.WriteString("\x1b[m\x1b[2J\x1b[H")
	buf.WriteString(v.emu.Render())

	pos := v.emu.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)

	if v.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}
	return []byte(buf.String())
}

// Close releases the emulator's resources.
func (v *VTerm) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Close()
}
