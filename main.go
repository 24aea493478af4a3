package main

import (
	"github.com/joho/godotenv"

	"github.com/gcforged/pylot/cmd/pylot"
)

func main() {
	_ = godotenv.Load()
	pylot.Execute()
}
