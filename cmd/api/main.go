package main

import (
	"log"

	"github.com/Agos-Inc/agos-marketplace/internal/app"
)

func main() {
	if err := app.RunAPI(); err != nil {
		log.Fatalf("settlement api failed: %v", err)
	}
}
