package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra/doc"
)

// DocFormat selects the reference output written by GenerateDocs.
type DocFormat string

const (
	DocFormatMan      DocFormat = "man"
	DocFormatMarkdown DocFormat = "markdown"
)

// GenerateManPages writes one roff page per command into outDir.
func GenerateManPages(outDir string, build BuildInfo) error {
	return GenerateDocs(outDir, DocFormatMan, build)
}

// GenerateDocs renders the command reference in the requested format. Pages
// are dated from the build time when it parses, so release builds produce
// reproducible output.
func GenerateDocs(outDir string, format DocFormat, build BuildInfo) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create docs directory %s: %w", outDir, err)
	}

	root := NewRootCommand(io.Discard, build)
	root.DisableAutoGenTag = true

	switch format {
	case DocFormatMan:
		header := &doc.GenManHeader{
			Title:   "FINSYNC",
			Section: "1",
			Source:  "finsync " + build.Version,
			Manual:  "finsync reference",
		}
		if built, err := time.Parse(time.RFC3339, build.BuildTime); err == nil {
			header.Date = &built
		}
		if err := doc.GenManTree(root, header, outDir); err != nil {
			return fmt.Errorf("render man pages: %w", err)
		}
	case DocFormatMarkdown:
		if err := doc.GenMarkdownTree(root, outDir); err != nil {
			return fmt.Errorf("render markdown reference: %w", err)
		}
	default:
		return fmt.Errorf("unknown docs format %q", format)
	}
	return nil
}
