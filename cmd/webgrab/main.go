package main

import (
	"os"

	"github.com/e2openplugins/webgrab/internal/logging"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.ErrorLogger.Println(err)
		os.Exit(1)
	}
}
