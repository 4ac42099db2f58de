package wa

import (
	"io"

	"github.com/mdp/qrterminal/v3"
)

// TerminalQR returns a renderer that draws a scannable QR code on w.
// The supervisor calls it at most once per connection attempt.
func TerminalQR(w io.Writer) func(code string) {
	return func(code string) {
		qrterminal.GenerateWithConfig(code, qrterminal.Config{
			Level:      qrterminal.L,
			Writer:     w,
			HalfBlocks: true,
			QuietZone:  1,
		})
	}
}
