package go_func_utils

import (
	"log"
	"runtime/debug"
	"sync"
)

// SafeGo runs fn on its own goroutine. A panic is written to logger together
// with the stack before it is re-raised, so it also lands in the rotated log file.
func SafeGo(logger *log.Logger, name string, fn func()) {
	go func() {
		defer recoverAndLog(logger, name)
		fn()
	}()
}

// SafeGoWG is SafeGo tracked by wg. wg.Add is called before the goroutine is
// started and wg.Done when fn returns or panics.
func SafeGoWG(logger *log.Logger, wg *sync.WaitGroup, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recoverAndLog(logger, name)
		fn()
	}()
}

func recoverAndLog(logger *log.Logger, name string) {
	if r := recover(); r != nil {
		logger.Printf("PANIC in %s: %v\n%s", name, r, debug.Stack())
		panic(r)
	}
}
