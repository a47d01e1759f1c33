package main

import (
	"gatekeeper/internal/app"

	"github.com/charmbracelet/log"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal("gateway terminated", "error", err)
	}
}
