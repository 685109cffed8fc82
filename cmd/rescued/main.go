package main

import (
	"log"

	"github.com/cpor3/rescue-nfts/rescued"
)

func main() {
	if err := rescued.Main(); err != nil {
		log.Fatalf("rescued: %v", err)
	}
}
