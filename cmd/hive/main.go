package main

import (
	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real environment variables win over file values
	_ = godotenv.Load()
	Execute()
}
