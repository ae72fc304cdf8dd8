package main

import (
	"context"
	"os"

	"github.com/kode4food/cmdbus/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
