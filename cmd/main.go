// Command recalc runs the score recalculation service and its admin tools.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Stderr.WriteString("recalc: " + err.Error() + "\n")
		os.Exit(1)
	}
}
