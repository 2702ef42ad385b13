package go_func_utils

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// SafeGo runs fn on a new goroutine. A panic is logged with its stack before
// being re-raised, so crashes inside notification or timer goroutines leave a
// trace in the log file.
func SafeGo(logger logrus.FieldLogger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("stack", string(debug.Stack())).Errorf("PANIC: %v", r)
				panic(r)
			}
		}()
		fn()
	}()
}
