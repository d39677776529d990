// Command trailer-cache runs the conditional-request cache against a
// rate-limited API: as a proxy server, as a one-shot refresh, or for
// maintenance of the persisted cache.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
