package main

import (
	"context"
	"log"
	"os"

	"github.com/lineops/shiftline/internal/server"
)

func main() {
	configPath := os.Getenv("SHIFTLINE_CONFIG")
	if err := server.Run(context.Background(), configPath); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
