package main

import (
	"fmt"
	"os"

	cli "github.com/sentinelops/sentinel/cmd/sentinel"
)

func main() {
	root := cli.NewRootCmd(cli.Version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
