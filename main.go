// The main package for the usajobs-etl executable.
package main

import (
	"os"

	"github.com/JakeFAU/usajobs-etl/cmd"
)

// main defers all execution to the Cobra CLI and exits with its status.
func main() {
	os.Exit(cmd.Execute())
}
