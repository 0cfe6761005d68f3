// The main package for the page-audit-server executable.
package main

import (
	"github.com/JakeFAU/page-audit-server/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
