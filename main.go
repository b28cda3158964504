package main

import (
	"context"
	"os"

	"github.com/tanq16/fastdl/cmd"
)

func main() {
	os.Exit(cmd.Execute(context.Background()))
}
