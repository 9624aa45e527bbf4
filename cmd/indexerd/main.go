package main

import (
	"log"

	"claimindexer/services/indexerd"
)

func main() {
	if err := indexerd.Main(); err != nil {
		log.Fatalf("indexerd: %v", err)
	}
}
