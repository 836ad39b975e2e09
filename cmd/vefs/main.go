// Command vefs is a thin demonstration front end over the vefs
// library. It is a collaborator, not a product: its flag surface and
// output format are not part of the archive format's compatibility
// contract and are not covered by the test suite.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/vefscore/vefs"
)

func main() {
	var (
		archivePath = pflag.StringP("archive", "a", "", "path to the archive file")
		create      = pflag.BoolP("create", "c", false, "create a new archive instead of opening one")
		prkHex      = pflag.String("prk", "", "user PRK, hex encoded")
		command     = pflag.StringP("command", "x", "query", "query|ls|erase")
		target      = pflag.StringP("path", "p", "", "archive-internal path for query/erase")
	)
	pflag.Parse()

	if *archivePath == "" || *prkHex == "" {
		fmt.Fprintln(os.Stderr, "usage: vefs -a <archive> --prk <hex> -x <query|ls|erase> [-p <path>]")
		os.Exit(2)
	}

	prk, err := hex.DecodeString(*prkHex)
	if err != nil {
		fail(err)
	}

	a, err := vefs.Open(*archivePath, prk, vefs.OpenOptions{Create: *create})
	if err != nil {
		fail(err)
	}
	defer a.Close()

	switch *command {
	case "ls":
		fmt.Println("ls is not implemented by this stub")
	case "query":
		info, err := a.Query(*target)
		if err != nil {
			fail(err)
		}
		fmt.Printf("size=%d readable=%v writable=%v\n", info.Size, info.Mode.Readable(), info.Mode.Writable())
	case "erase":
		if err := a.Erase(*target); err != nil {
			fail(err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", *command)
		os.Exit(2)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
