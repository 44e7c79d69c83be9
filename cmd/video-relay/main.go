// Command video-relay serves aggregated collection listings and single item
// lookups from the upstream video API.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
