// The main package for the hydrator executable.
package main

import (
	"github.com/JakeFAU/bulk-hydrator/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
