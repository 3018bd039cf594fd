// Command bootstrap runs a discovery-only swarm node: it joins (or
// seeds) the Kademlia DHT and answers a small gin health endpoint so
// it can serve as a well-known rendezvous point other peers list in
// their -bootstrap flag. It holds no room state and runs no session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veilroom/veilcore/internal/discovery"
)

func main() {
	port := flag.Int("port", 4001, "port to listen on for swarm connections")
	healthPort := flag.Int("health-port", 4080, "port for the HTTP health endpoint")
	bootstrap := flag.String("bootstrap", "", "comma-separated list of other bootstrap peer multiaddrs")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            veilcore swarm bootstrap node         ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()

	var peers []string
	if *bootstrap != "" {
		for _, p := range strings.Split(*bootstrap, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				peers = append(peers, p)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := discovery.New(ctx, discovery.Config{
		Port:           *port,
		BootstrapPeers: peers,
	})
	if err != nil {
		log.Fatalf("failed to start discovery node: %v", err)
	}
	defer node.Close()
	log.Printf("✓ swarm node listening on port %d", *port)

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "ok"})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *healthPort),
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server error: %v", err)
		}
	}()
	log.Printf("✓ health endpoint listening on :%d", *healthPort)

	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println()
	log.Println("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("health server shutdown error: %v", err)
	}
	log.Println("✓ shut down")
}
