package main

import (
	"errors"
	"io/fs"
	"log"

	"github.com/joho/godotenv"

	"missionctl/internal/cli"
)

func main() {
	// .env is optional; credentials may come from the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Fatal Error: Could not load .env file: %v", err)
	}

	cli.Execute()
}
