// The main package for the marmelspade executable.
package main

import (
	"os"

	"github.com/JakeFAU/marmelspade/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
