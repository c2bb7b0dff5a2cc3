// Package proxy implements the loopback-bound HTTP/HTTPS forward
// proxy: the thing the kernel filter forces the agent's traffic
// through.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"acp/internal/action"
)

// Gate is the subset of gate.Gate the proxy depends on, kept as an
// interface so tests can stub it.
type Gate interface {
	Evaluate(ctx context.Context, a action.Action) action.Verdict
}

// Proxy is an http.Handler implementing both plain-HTTP forwarding
// (absolute-URI requests) and HTTPS CONNECT tunnelling.
type Proxy struct {
	gate      Gate
	logger    *log.Logger
	transport http.RoundTripper
	dialer    net.Dialer
}

// New builds a Proxy that consults gate before forwarding anything.
func New(g Gate, logger *log.Logger) *Proxy {
	return &Proxy{
		gate:      g,
		logger:    logger,
		transport: http.DefaultTransport,
		dialer:    net.Dialer{Timeout: 10 * time.Second},
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if host, _ := splitHostPort(r.URL.Host, 0); host == "" {
		http.Error(w, "request must name a destination host", http.StatusBadRequest)
		return
	}
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// handleHTTP forwards a plain absolute-URI HTTP request after
// consulting the gate.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	host, port := splitHostPort(r.URL.Host, 80)
	a := action.Action{Kind: action.KindHTTP, Host: host, Method: r.Method, Port: port, URL: r.URL.String()}

	verdict := p.gate.Evaluate(r.Context(), a)
	if verdict.Decision != action.DecisionAllow {
		writeBlocked(w, verdict)
		return
	}

	outbound := r.Clone(r.Context())
	outbound.RequestURI = ""
	stripHopByHopHeaders(outbound.Header)

	resp, err := p.transport.RoundTrip(outbound)
	if err != nil {
		p.logger.Printf("upstream connect failed for %s: %v", host, err)
		http.Error(w, "upstream connection failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	stripHopByHopHeaders(resp.Header)
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleConnect establishes an HTTPS CONNECT tunnel after consulting
// the gate, hijacking the client connection the way a transparent
// proxy must.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port := splitHostPort(r.Host, 443)
	a := action.Action{Kind: action.KindHTTP, Host: host, Method: "CONNECT", Port: port}

	verdict := p.gate.Evaluate(r.Context(), a)
	if verdict.Decision != action.DecisionAllow {
		writeBlocked(w, verdict)
		return
	}

	upstream, err := p.dialer.DialContext(r.Context(), "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		p.logger.Printf("upstream dial failed for %s: %v", host, err)
		http.Error(w, "upstream connection failed", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "connection hijack not supported", http.StatusInternalServerError)
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		p.logger.Printf("hijack failed: %v", err)
		return
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	tunnel(client, upstream)
}

// tunnel copies bytes in both directions until either side closes,
// then closes both.
func tunnel(client, upstream net.Conn) {
	var once sync.Once
	closeBoth := func() {
		client.Close()
		upstream.Close()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, client)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, upstream)
		once.Do(closeBoth)
	}()
	wg.Wait()
}

type blockedBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeBlocked(w http.ResponseWriter, v action.Verdict) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(blockedBody{Error: "destination not approved", Reason: v.Reason})
}

func splitHostPort(hostport string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.ToLower(strings.TrimSuffix(hostport, ".")), defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = defaultPort
	}
	return strings.ToLower(strings.TrimSuffix(host, ".")), port
}

var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
