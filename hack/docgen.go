package main

import (
	"os"

	"github.com/spf13/cobra/doc"

	"github.com/tinyzimmer/k3pi/pkg/cmd"
	"github.com/tinyzimmer/k3pi/pkg/log"
)

// Writes a markdown page per command to the directory given as the first
// argument, or ./doc.
func main() {
	out := "doc"
	if len(os.Args) > 1 {
		out = os.Args[1]
	}
	if err := os.MkdirAll(out, 0755); err != nil {
		log.Fatal(err)
	}
	log.Infof("Writing command reference to %s", out)
	if err := doc.GenMarkdownTree(cmd.GetRootCommand(), out); err != nil {
		log.Fatal(err)
	}
}
