// Package main is the single-binary entrypoint for Chronos, the
// economically gated factory task scheduler.
package main

import "github.com/industriverse/chronos/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
