// The main package for the extractord executable.
package main

import (
	"github.com/platefork/recipe-extractor/cmd"
)

func main() {
	cmd.Execute()
}
