package main

import (
	"os"

	"github.com/vanderheijden86/annosync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
