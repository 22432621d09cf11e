package main

import (
	"github.com/Laisky/file-ingest/cmd"
)

func main() {
	cmd.Execute()
}
