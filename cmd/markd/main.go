package main

import (
	"log"

	"markd/daemon"
)

func main() {
	if err := daemon.Main(); err != nil {
		log.Fatalf("markd: %v", err)
	}
}
