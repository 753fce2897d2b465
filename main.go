// The main package for the catalog-sync executable.
package main

import (
	"github.com/JakeFAU/catalog-sync/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
