// Command kilnctl mints credentials, calls operations, and manages the schema.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	err := newRootCommand(&rootOptions{}).ExecuteContext(context.Background())
	if err == nil {
		return
	}
	if !errors.Is(err, errCallFailed) {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	// the envelope is already printed
	os.Exit(3)
}
