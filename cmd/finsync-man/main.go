// Command finsync-man writes the finsync command reference, as roff man
// pages by default or as markdown.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/EduardKakosyan/finsync/internal/cli"
)

func main() {
	outDir := flag.String("out", "dist/man", "directory to write pages into")
	format := flag.String("format", string(cli.DocFormatMan), "output format: man or markdown")
	flag.Parse()

	if err := cli.GenerateDocs(*outDir, cli.DocFormat(*format), cli.CurrentBuild()); err != nil {
		fmt.Fprintf(os.Stderr, "finsync-man: %v\n", err)
		os.Exit(1)
	}
}
