package main

import (
	"birdcage/cmd"

	"github.com/joho/godotenv"
)

func main() {
	// Optional .env for archive credentials and record expiry overrides.
	_ = godotenv.Load()
	cmd.Execute()
}
