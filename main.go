// The main package for the tariff-monitor executable.
package main

import (
	"github.com/JakeFAU/utility-tariff-monitor/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
