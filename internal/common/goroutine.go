package common

import (
	"fmt"
	"runtime"

	"github.com/ternarybob/arbor"
)

// SafeGo runs fn on its own goroutine and keeps a panic there from taking
// the gateway down. The dispatch loop, navigation-handler chains, and log
// stream readers all run through here: a misbehaving page callback must
// not kill the process. Panics are logged and written to a crash report
// for post-mortem.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 64<<10)
				n := runtime.Stack(buf, false)
				stack := string(buf[:n])

				if logger != nil {
					logger.Error().
						Str("goroutine", name).
						Str("panic", fmt.Sprintf("%v", r)).
						Msg("Recovered panic in goroutine")
				}
				WriteCrashFile(fmt.Sprintf("goroutine %s: %v", name, r), stack)
			}
		}()
		fn()
	}()
}
