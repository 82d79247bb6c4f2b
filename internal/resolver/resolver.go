// Package resolver implements the iterative (recursive-walk) DNS resolution
// engine: a single-hop Lookup and a RecursiveLookup that walks the referral
// chain from a root hint down to an authoritative answer.
package resolver

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand"
	"net"
	"strings"
	"time"

	"github.com/CentauriSolutions/dnsafe/internal/dns/packet"
	"github.com/CentauriSolutions/dnsafe/internal/metrics"
)

const (
	// lookupTransactionID is the original implementation's fixed transaction
	// ID. Outbound hop queries use a random ID; this value is used only when
	// a random ID cannot be read from crypto/rand.
	lookupTransactionID = 6666

	defaultRootHint   = "198.41.0.4"
	defaultHopTimeout = 5 * time.Second
	defaultMaxDepth   = 16
	defaultHopPort    = "53"
)

// ErrDepthExceeded is returned when a recursive lookup exhausts its referral
// hop budget without reaching an answer.
var ErrDepthExceeded = errors.New("resolver: referral depth exceeded")

// Resolver walks the DNS referral chain starting from RootHint. It holds no
// mutable state between lookups: every Lookup/RecursiveLookup call opens its
// own ephemeral UDP socket and is safe to call concurrently.
type Resolver struct {
	RootHint   string
	HopTimeout time.Duration
	MaxDepth   int
	Logger     *slog.Logger

	// HopPort is the port queried on every nameserver hop. It defaults to
	// 53 and only needs overriding in tests, which run fake nameservers on
	// fixed non-privileged ports.
	HopPort string
}

// New returns a Resolver configured with the given root hint, hop timeout
// and max referral depth. A zero value for any field falls back to its
// default.
func New(rootHint string, hopTimeout time.Duration, maxDepth int, logger *slog.Logger) *Resolver {
	if rootHint == "" {
		rootHint = defaultRootHint
	}
	if hopTimeout <= 0 {
		hopTimeout = defaultHopTimeout
	}
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		RootHint:   rootHint,
		HopTimeout: hopTimeout,
		MaxDepth:   maxDepth,
		Logger:     logger,
	}
}

// depthBudget is a shared counter threaded through a RecursiveLookup call
// and any nested RecursiveLookup calls it triggers to glue an unglued NS
// referral, so a pathological chain can't evade the cap by recursing
// instead of looping.
type depthBudget struct {
	remaining int
}

func (d *depthBudget) take() bool {
	if d.remaining <= 0 {
		return false
	}
	d.remaining--
	return true
}

func generateTransactionID() uint16 {
	var id uint16
	if err := binary.Read(rand.Reader, binary.BigEndian, &id); err != nil {
		return lookupTransactionID
	}
	return id
}

// Lookup sends a single iterative query for qname/qtype to server (host:port)
// over a freshly dialed UDP socket and returns the parsed response.
func (r *Resolver) Lookup(ctx context.Context, qname string, qtype packet.QueryType, server string) (*packet.Message, error) {
	d := net.Dialer{Timeout: r.hopTimeout()}
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}
	defer func() { _ = conn.Close() }()

	req := packet.NewMessage()
	req.Header.ID = generateTransactionID()
	req.Header.RecursionDesired = true
	req.Questions = []packet.Question{{Name: qname, QType: qtype}}

	out := packet.NewGrowableBuffer()
	if err := req.Marshal(out); err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	if err := conn.SetDeadline(time.Now().Add(r.hopTimeout())); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if _, err := conn.Write(out.Bytes()); err != nil {
		return nil, fmt.Errorf("send query to %s: %w", server, err)
	}

	raw := make([]byte, packet.FixedCapacity)
	n, err := conn.Read(raw)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", server, err)
	}

	in := packet.NewFixedBuffer()
	in.Load(raw[:n])
	resp := packet.NewMessage()
	if err := resp.Unmarshal(in); err != nil {
		return nil, fmt.Errorf("parse response from %s: %w", server, err)
	}

	if resp.Header.ID != req.Header.ID {
		return nil, fmt.Errorf("transaction ID mismatch from %s: got %d, want %d", server, resp.Header.ID, req.Header.ID)
	}

	return resp, nil
}

func (r *Resolver) hopTimeout() time.Duration {
	if r.HopTimeout <= 0 {
		return defaultHopTimeout
	}
	return r.HopTimeout
}

func (r *Resolver) maxDepth() int {
	if r.MaxDepth <= 0 {
		return defaultMaxDepth
	}
	return r.MaxDepth
}

func (r *Resolver) rootHint() string {
	if r.RootHint == "" {
		return defaultRootHint
	}
	return r.RootHint
}

func (r *Resolver) hopPort() string {
	if r.HopPort == "" {
		return defaultHopPort
	}
	return r.HopPort
}

// RecursiveLookup walks the referral chain for qname/qtype starting from the
// resolver's root hint, following NS delegations until an authoritative
// answer or a definitive NXDOMAIN is reached, or the depth budget runs out.
func (r *Resolver) RecursiveLookup(ctx context.Context, qname string, qtype packet.QueryType) (*packet.Message, error) {
	budget := &depthBudget{remaining: r.maxDepth()}
	depth := 0
	resp, err := r.walk(ctx, qname, qtype, r.rootHint(), budget, &depth)
	if resp != nil {
		metrics.ReferralDepth.Observe(float64(depth))
	}
	return resp, err
}

// walk performs the referral loop for a single RecursiveLookup call (or a
// nested one triggered by gluing an unglued NS). budget bounds the total
// number of hops across this call and any nested calls it spawns.
func (r *Resolver) walk(ctx context.Context, qname string, qtype packet.QueryType, ns string, budget *depthBudget, depth *int) (*packet.Message, error) {
	var lastGood *packet.Message

	for {
		if !budget.take() {
			if lastGood != nil {
				return lastGood, nil
			}
			return nil, ErrDepthExceeded
		}
		*depth++

		server := net.JoinHostPort(ns, r.hopPort())
		timer := metrics.QueryDuration.WithLabelValues("hop")
		metrics.ActiveHops.Inc()
		start := time.Now()
		resp, err := r.Lookup(ctx, qname, qtype, server)
		timer.Observe(time.Since(start).Seconds())
		metrics.ActiveHops.Dec()

		if err != nil {
			metrics.HopsTotal.WithLabelValues("error").Inc()
			r.Logger.Warn("hop failed", "qname", qname, "ns", ns, "error", err)
			if lastGood != nil {
				return lastGood, nil
			}
			return nil, fmt.Errorf("recursive lookup for %s failed at %s: %w", qname, ns, err)
		}

		r.Logger.Info("hop resolved", "qname", qname, "ns", ns, "rcode", resp.Header.ResCode.String(), "answers", len(resp.Answers))
		lastGood = resp

		if len(resp.Answers) > 0 && resp.Header.ResCode == packet.NOERROR {
			metrics.HopsTotal.WithLabelValues("answered").Inc()
			return resp, nil
		}
		if resp.Header.ResCode == packet.NXDOMAIN {
			metrics.HopsTotal.WithLabelValues("nxdomain").Inc()
			return resp, nil
		}

		nextNS, found := r.nextNameserver(ctx, qname, resp, budget, depth)
		if !found {
			metrics.HopsTotal.WithLabelValues("no_referral").Inc()
			return resp, nil
		}
		metrics.HopsTotal.WithLabelValues("referral").Inc()
		ns = nextNS
	}
}

// nextNameserver picks the next nameserver to query from resp's authority
// and additional sections, restricted to NS records whose domain is a
// suffix of qname (spec's suffix-match invariant: a referral for a zone
// that doesn't cover qname is not a valid delegation for it). A glued
// referral (an NS whose A record is present in the additional section) is
// preferred and picked deterministically (first match); an unglued
// referral picks a uniformly random delegated NS host and resolves it with
// a nested RecursiveLookup, picking a uniformly random A record from that
// result.
func (r *Resolver) nextNameserver(ctx context.Context, qname string, resp *packet.Message, budget *depthBudget, depth *int) (string, bool) {
	lowerQname := strings.ToLower(qname)

	var nsHosts []string
	for _, auth := range resp.Authorities {
		if auth.Type != packet.TypeNS {
			continue
		}
		if !strings.HasSuffix(lowerQname, strings.ToLower(auth.Domain)) {
			continue
		}
		nsHosts = append(nsHosts, auth.Host)

		for _, res := range resp.Resources {
			if res.Type == packet.TypeA && res.Domain == auth.Host {
				return res.Addr.String(), true
			}
		}
	}

	if len(nsHosts) == 0 {
		return "", false
	}

	// #nosec G404 -- selecting among equally-valid delegated nameservers, not security sensitive
	host := nsHosts[mrand.Intn(len(nsHosts))]

	metrics.NestedLookupsTotal.Inc()
	nested, err := r.walk(ctx, host, packet.TypeA, r.rootHint(), budget, depth)
	if err != nil || nested == nil || len(nested.Answers) == 0 {
		return "", false
	}

	var addrs []string
	for _, rec := range nested.Answers {
		if rec.Type == packet.TypeA && rec.Addr != nil {
			addrs = append(addrs, rec.Addr.String())
		}
	}
	if len(addrs) == 0 {
		return "", false
	}

	// #nosec G404 -- selecting among equally-valid resolved addresses, not security sensitive
	return addrs[mrand.Intn(len(addrs))], true
}
