package detour

import (
	"fmt"
	"os"
	"sync/atomic"
)

var debugEnabled atomic.Bool

// SetDebug toggles the process-wide debug flag. Advisory only: it gates
// hex-dump tracing of patched regions, it never changes what gets patched.
func SetDebug(on bool) {
	debugEnabled.Store(on)
}

// IsDebug reports the current debug flag.
func IsDebug() bool {
	return debugEnabled.Load()
}

// logHex writes a hex dump of data with an ASCII gutter, stride bytes per
// line, marking the byte at index mark (if >= 0) for visual inspection of
// where a patch begins.
func logHex(data []byte, stride int, mark int) {
	if !IsDebug() {
		return
	}
	for i := 0; i < len(data); i += stride {
		end := i + stride
		if end > len(data) {
			end = len(data)
		}
		row := data[i:end]
		fmt.Fprintf(os.Stderr, "%08x  ", i)
		for j := 0; j < stride; j++ {
			if i+j < len(row)+i {
				if i+j < len(data) {
					sep := " "
					if i+j == mark {
						sep = "*"
					}
					fmt.Fprintf(os.Stderr, "%02x%s", data[i+j], sep)
				} else {
					fmt.Fprintf(os.Stderr, "   ")
				}
			}
		}
		fmt.Fprint(os.Stderr, " |")
		for _, c := range row {
			if c >= 0x20 && c < 0x7f {
				fmt.Fprintf(os.Stderr, "%c", c)
			} else {
				fmt.Fprint(os.Stderr, ".")
			}
		}
		fmt.Fprintln(os.Stderr, "|")
	}
}
