package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpproxy"
	proxygateway "github.com/vikashloomba/mcp-proxy-go/pkg/proxy-gateway"
)

// ProxyService shows how an embedding application wraps the proxy manager and
// gateway behind its own service type.
type ProxyService struct {
	gateway *proxygateway.Gateway
	manager *mcpproxy.Manager
	stop    context.CancelFunc
	done    chan struct{}
}

func NewProxyService() *ProxyService {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	manager := mcpproxy.NewManager(&mcpproxy.Options{MaxConnections: 32})
	gateway, err := proxygateway.NewGateway(manager, &proxygateway.Options{
		Addr:           ":6277",
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:6274"},
		DefaultCommand: "npx",
		DefaultArgs:    "-y @modelcontextprotocol/server-everything",
	})
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	svc := &ProxyService{
		gateway: gateway,
		manager: manager,
		stop:    stop,
		done:    make(chan struct{}),
	}
	log.Printf("proxy service serving browser MCP clients on :6277")
	// Run the gateway server in a separate goroutine so it doesn't block.
	go func() {
		defer close(svc.done)
		err := gateway.ListenAndServe(ctx)
		// Release signal resources regardless of outcome.
		stop()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("gateway server stopped: %v", err)
		}
	}()
	return svc
}

// ActiveSessions reports the live proxy sessions for the embedding app's UI.
func (s *ProxyService) ActiveSessions() []mcpproxy.SessionSummary {
	return s.manager.ListActive()
}

// Stop shuts the gateway down and blocks until it has finished.
func (s *ProxyService) Stop() {
	s.stop()
	s.Wait()
}

// Wait blocks until the gateway server has stopped.
func (s *ProxyService) Wait() {
	<-s.done
}

func main() {
	NewProxyService().Wait()
}
