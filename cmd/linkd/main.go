package main

import (
	"fmt"
	"os"

	logs "github.com/danmuck/linkctl/internal/logging"
)

func main() {
	logs.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
