// Command lmstrix drives the Adaptive Context Tester from a terminal: scan
// a backend for downloaded models, probe one or all of them for their
// real usable context window, and inspect the results.
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("lmstrix: %v", err)
	}
}
