package main

import (
	"log"
	"os"
)

// die is the single terminal-error funnel, matching the original's
// die() helper: print the message and exit nonzero.
func die(format string, args ...any) {
	log.Printf("fatal: "+format, args...)
	os.Exit(1)
}
