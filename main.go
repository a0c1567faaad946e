// The main package for the scrapediag executable.
package main

import (
	"github.com/canvasgrab/scrape-diagnostics/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
