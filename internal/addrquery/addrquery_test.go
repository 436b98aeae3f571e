package addrquery

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/vnet"
)

type staticInterfaces struct {
	ifaces []*transport.Interface
	err    error
}

func (s staticInterfaces) Interfaces() ([]*transport.Interface, error) {
	return s.ifaces, s.err
}

func newInterface(name string, flags net.Flags, addrs ...string) *transport.Interface {
	ifc := transport.NewInterface(net.Interface{Name: name, Flags: flags, MTU: 1500})
	for _, a := range addrs {
		ip, ipNet, err := net.ParseCIDR(a)
		if err != nil {
			panic(err)
		}
		ifc.AddAddress(&net.IPNet{IP: ip, Mask: ipNet.Mask})
	}
	return ifc
}

func TestLookup_SkipsLoopbackDownAndIPv6(t *testing.T) {
	lister := staticInterfaces{ifaces: []*transport.Interface{
		newInterface("lo", net.FlagUp|net.FlagLoopback, "127.0.0.1/8", "::1/128"),
		newInterface("eth1", 0, "10.1.2.3/24"),
		newInterface("wlan0", net.FlagUp, "fe80::1/64", "192.168.1.42/24"),
		newInterface("eth0", net.FlagUp, "192.168.1.99/24"),
	}}

	if got := Lookup(lister); got != "192.168.1.42" {
		t.Fatalf("Lookup=%q, want 192.168.1.42", got)
	}
}

func TestLookup_Unknown(t *testing.T) {
	cases := map[string]InterfaceLister{
		"nil lister":    nil,
		"list error":    staticInterfaces{err: errors.New("boom")},
		"no interfaces": staticInterfaces{},
		"loopback only": staticInterfaces{ifaces: []*transport.Interface{
			newInterface("lo", net.FlagUp|net.FlagLoopback, "127.0.0.1/8"),
		}},
		"no addresses": staticInterfaces{ifaces: []*transport.Interface{
			newInterface("eth0", net.FlagUp),
		}},
		"ipv6 only": staticInterfaces{ifaces: []*transport.Interface{
			newInterface("eth0", net.FlagUp, "2001:db8::1/64"),
		}},
	}
	for name, lister := range cases {
		if got := Lookup(lister); got != Unknown {
			t.Fatalf("%s: Lookup=%q, want %q", name, got, Unknown)
		}
	}
}

func TestLookup_VirtualNetwork(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "192.168.50.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	host, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"192.168.50.7"}})
	if err != nil {
		t.Fatalf("new net: %v", err)
	}
	if err := router.AddNet(host); err != nil {
		t.Fatalf("add net: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	if got := Lookup(host); got != "192.168.50.7" {
		t.Fatalf("Lookup=%q, want 192.168.50.7", got)
	}
}

func TestHandler_IP(t *testing.T) {
	lister := staticInterfaces{ifaces: []*transport.Interface{
		newInterface("eth0", net.FlagUp, "192.168.1.42/24"),
	}}
	rec := httptest.NewRecorder()
	Handler(lister).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ip", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin=%q, want *", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", got)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["ip"] != "192.168.1.42" || len(body) != 1 {
		t.Fatalf("body=%v, want {ip:192.168.1.42}", body)
	}
}

func TestHandler_UnknownSentinel(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(staticInterfaces{err: errors.New("boom")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ip", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"ip":"unknown"`) {
		t.Fatalf("body=%s, want unknown sentinel", rec.Body.String())
	}
}

func TestHandler_OtherPathsAreNotFound(t *testing.T) {
	h := Handler(staticInterfaces{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/"},
		{http.MethodGet, "/ip/extra"},
		{http.MethodGet, "/healthz"},
		{http.MethodPost, "/ip"},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader("ignored")))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: status=%d, want 404", tc.method, tc.path, rec.Code)
		}
		if strings.TrimSpace(rec.Body.String()) != `{"error":"not found"}` {
			t.Fatalf("%s %s: body=%s", tc.method, tc.path, rec.Body.String())
		}
	}
}

func TestServer_ServesOverTCP(t *testing.T) {
	lister := staticInterfaces{ifaces: []*transport.Interface{
		newInterface("eth0", net.FlagUp, "10.0.0.5/8"),
	}}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(lister, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/ip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body ipResponse
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.IP != "10.0.0.5" {
		t.Fatalf("ip=%q, want 10.0.0.5", body.IP)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Serve=%v, want nil", err)
	}
}
