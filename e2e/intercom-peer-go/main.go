// Command intercom-peer-go is a headless intercom participant for E2E runs.
// It joins the relay under NAME, answers offers from other participants and,
// when CALL=1, places a call once somebody else is present.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"golang.org/x/net/websocket"
)

type message struct {
	Type      string                     `json:"type"`
	Username  string                     `json:"username,omitempty"`
	Users     []string                   `json:"users,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

type participant struct {
	ws *websocket.Conn
	pc *webrtc.PeerConnection

	sendMu sync.Mutex

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	calling   bool
}

func main() {
	relayURL := envOrDefault("RELAY_URL", "ws://127.0.0.1:3000/")
	name := envOrDefault("NAME", "e2e")
	call := os.Getenv("CALL") == "1"

	if addrURL := os.Getenv("ADDR_QUERY_URL"); addrURL != "" {
		ip, err := queryLANAddress(addrURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "address query: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("LAN_IP %s\n", ip)
	}

	ws, err := websocket.Dial(relayURL, "", "http://localhost/")
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", relayURL, err)
		os.Exit(1)
	}
	defer ws.Close()

	api, err := newAPI(os.Getenv("PION_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure webrtc: %v\n", err)
		os.Exit(2)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "new peer connection: %v\n", err)
		os.Exit(1)
	}
	defer pc.Close()

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		fmt.Fprintf(os.Stderr, "add audio transceiver: %v\n", err)
		os.Exit(1)
	}

	p := &participant{ws: ws, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.send(message{Type: "ice", Candidate: &init})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fmt.Printf("STATE %s\n", state)
	})

	if err := p.send(message{Type: "join", Username: name}); err != nil {
		fmt.Fprintf(os.Stderr, "join: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("READY")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- p.readLoop(call)
	}()

	select {
	case <-ctx.Done():
	case err := <-done:
		if err != nil {
			fmt.Fprintf(os.Stderr, "relay channel: %v\n", err)
			os.Exit(1)
		}
	}
}

func newAPI(logLevel string) (*webrtc.API, error) {
	loggerFactory := logging.NewDefaultLoggerFactory()
	switch strings.ToLower(logLevel) {
	case "":
	case "trace":
		loggerFactory.DefaultLogLevel = logging.LogLevelTrace
	case "debug":
		loggerFactory.DefaultLogLevel = logging.LogLevelDebug
	case "info":
		loggerFactory.DefaultLogLevel = logging.LogLevelInfo
	case "warn":
		loggerFactory.DefaultLogLevel = logging.LogLevelWarn
	default:
		return nil, fmt.Errorf("unsupported PION_LOG_LEVEL %q", logLevel)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	settingEngine := webrtc.SettingEngine{LoggerFactory: loggerFactory}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

func (p *participant) send(msg message) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return websocket.JSON.Send(p.ws, msg)
}

func (p *participant) readLoop(call bool) error {
	for {
		var msg message
		if err := websocket.JSON.Receive(p.ws, &msg); err != nil {
			return err
		}

		switch msg.Type {
		case "userlist":
			fmt.Printf("USERS %s\n", strings.Join(msg.Users, ","))
			if call && len(msg.Users) > 1 {
				if err := p.placeCall(); err != nil {
					return err
				}
			}
		case "offer":
			if msg.Offer == nil {
				continue
			}
			if err := p.acceptRemote(*msg.Offer); err != nil {
				return err
			}
			answer, err := p.pc.CreateAnswer(nil)
			if err != nil {
				return err
			}
			if err := p.pc.SetLocalDescription(answer); err != nil {
				return err
			}
			if err := p.send(message{Type: "answer", Answer: &answer}); err != nil {
				return err
			}
		case "answer":
			if msg.Answer == nil {
				continue
			}
			if err := p.acceptRemote(*msg.Answer); err != nil {
				return err
			}
		case "ice":
			if msg.Candidate != nil {
				p.addCandidate(*msg.Candidate)
			}
		}
	}
}

func (p *participant) placeCall() error {
	p.mu.Lock()
	if p.calling {
		p.mu.Unlock()
		return nil
	}
	p.calling = true
	p.mu.Unlock()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return p.send(message{Type: "offer", Offer: &offer})
}

func (p *participant) acceptRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		_ = p.pc.AddICECandidate(c)
	}
	return nil
}

func (p *participant) addCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	_ = p.pc.AddICECandidate(c)
}

func queryLANAddress(url string) (string, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.IP, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
