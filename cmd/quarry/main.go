package main

import (
	"os"

	"github.com/quarrylabs/quarry/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
