package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"relaywire/broker"
)

func main() {
	addr := flag.String("addr", broker.DefaultAddr, "UDP listen address")
	status := flag.String("status", "", "optional HTTP status page address, e.g. :8080")
	flag.Parse()

	log.Println("=== Relaywire broker ===")

	b := broker.New(broker.Config{Addr: *addr, StatusAddr: *status})
	if err := b.Start(); err != nil {
		log.Fatalf("Failed to start broker: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("[STOP] Caught %s, shutting down", s)

	if err := b.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}
