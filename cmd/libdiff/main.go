// cmd/libdiff/main.go
package main

import (
	"os"

	"libdiff/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
