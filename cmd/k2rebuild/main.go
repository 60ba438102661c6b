package main

import (
	"log/slog"

	"github.com/k2rebuild/k2rebuild/cmd/k2rebuild/commands"
	"github.com/k2rebuild/k2rebuild/lib/logger"
)

func main() {
	slog.SetDefault(logger.New(slog.LevelInfo))
	commands.Execute()
}
