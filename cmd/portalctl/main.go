package main

import (
	"os"

	"github.com/kimhsiao/medportal/core/cmd/portalctl/commands"
	"github.com/kimhsiao/medportal/core/internal/logging"
)

func main() {
	logging.Init(os.Stderr, logging.LevelWarn)
	commands.Execute()
}
