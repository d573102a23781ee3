// Command tabsyncctl runs and inspects a tabsync execution context.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
