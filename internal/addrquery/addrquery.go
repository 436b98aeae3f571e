// Package addrquery answers "what is this host's LAN address" for the
// intercom page, so one participant can tell the other where to connect.
package addrquery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pion/transport/v3"
)

// Unknown is reported when no suitable address exists or the interfaces
// cannot be listed.
const Unknown = "unknown"

// InterfaceLister is the part of transport.Net used for address discovery.
// stdnet.Net lists the host's interfaces; vnet.Net lists virtual ones.
type InterfaceLister interface {
	Interfaces() ([]*transport.Interface, error)
}

// Lookup returns the first IPv4 address on an up, non-loopback interface,
// in interface order.
func Lookup(n InterfaceLister) string {
	if n == nil {
		return Unknown
	}
	ifaces, err := n.Interfaces()
	if err != nil {
		return Unknown
	}
	for _, ifc := range ifaces {
		if ifc == nil || ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ip := ipv4Of(addr); ip != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return Unknown
}

func ipv4Of(addr net.Addr) net.IP {
	var ip net.IP
	switch a := addr.(type) {
	case *net.IPNet:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.TCPAddr:
		ip = a.IP
	default:
		return nil
	}
	return ip.To4()
}

type ipResponse struct {
	IP string `json:"ip"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves GET /ip. Every other path is answered with a JSON 404.
func Handler(n InterfaceLister) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ip", func(w http.ResponseWriter, r *http.Request) {
		// The intercom page is usually opened from disk or another host.
		w.Header().Set("Access-Control-Allow-Origin", "*")
		writeJSON(w, http.StatusOK, ipResponse{IP: Lookup(n)})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the address query endpoint on its own listener.
type Server struct {
	logger *slog.Logger
	srv    *http.Server
}

func NewServer(n InterfaceLister, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger: logger,
		srv: &http.Server{
			Handler:           Handler(n),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Serve blocks until the server stops. It returns nil after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("address query listening", "addr", l.Addr().String())
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
