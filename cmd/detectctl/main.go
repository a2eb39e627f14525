package main

import (
	"os"

	"detectsvc/cmd/detectctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
