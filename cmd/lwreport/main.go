// Package main is the entry point for the lwreport CLI.
package main

import (
	"github.com/hargabyte/lwreport/internal/cmd"
)

func main() {
	cmd.Execute()
}
