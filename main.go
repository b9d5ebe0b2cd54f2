package main

import (
	"os"

	"github.com/joho/godotenv"

	"deribitflow/cmd"
	"deribitflow/logger"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.GetLogger().WithError(err).Warn("Error loading .env file")
	}
	cmd.Execute()
}
