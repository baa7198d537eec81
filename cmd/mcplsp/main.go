// Command mcplsp runs an MCP-LSP server over any of the supported transports, or probes a
// running one.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// CLI is the command line of mcplsp.
type CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Run an MCP-LSP server"`
	Probe   ProbeCmd   `cmd:"" help:"Connect to a server and print what it offers"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("mcplsp"),
		kong.Description("MCP-LSP server and probe"),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.BindTo(os.Stdout, (*io.Writer)(nil)),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

// Run prints the version.
func (v *VersionCmd) Run(out io.Writer) error {
	_, err := fmt.Fprintf(out, "mcplsp %s\n", version)
	return err
}
