package main

import (
	"log"

	"github.com/Agos-Inc/agos-marketplace/internal/app"
)

func main() {
	if err := app.RunWorker(); err != nil {
		log.Fatalf("settlement worker failed: %v", err)
	}
}
