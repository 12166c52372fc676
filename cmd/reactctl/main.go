// Command reactctl runs engagement engine maintenance tasks against the
// configured database: triggering or resuming reaction batches, publishing
// daily reports and minting service tokens.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand(openEngine).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
