package capture

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// ProgressWriter tees out into a byte counter on stderr when stderr is a
// terminal. The returned function finishes the bar.
func ProgressWriter(out io.Writer, title string) (io.Writer, func()) {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return out, func() {}
	}
	bar := progressbar.DefaultBytes(-1, title)
	return io.MultiWriter(out, bar), func() { bar.Finish() }
}
