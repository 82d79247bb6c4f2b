package resolver

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CentauriSolutions/dnsafe/internal/dns/packet"
)

// fakeServer is a minimal UDP responder driven by a handler function, used
// to stand in for a root/TLD/authoritative nameserver without touching the
// real network. It binds to a caller-chosen loopback address so a test can
// run several fakes that share one hop port but live at distinct IPs —
// which is what lets a single Resolver (with one shared HopPort) address
// each of them through ordinary referral resolution.
type fakeServer struct {
	conn *net.UDPConn
}

func newFakeServerAt(t *testing.T, addr string, handle func(req *packet.Message) *packet.Message) *fakeServer {
	t.Helper()
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", udpAddr)
	require.NoError(t, err)

	fs := &fakeServer{conn: conn}
	go fs.serve(handle)
	t.Cleanup(func() { _ = conn.Close() })
	return fs
}

func (fs *fakeServer) serve(handle func(req *packet.Message) *packet.Message) {
	buf := make([]byte, packet.FixedCapacity)
	for {
		n, from, err := fs.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		in := packet.NewFixedBuffer()
		in.Load(buf[:n])
		req := packet.NewMessage()
		if err := req.Unmarshal(in); err != nil {
			continue
		}

		resp := handle(req)
		resp.Header.ID = req.Header.ID
		out := packet.NewGrowableBuffer()
		if err := resp.Marshal(out); err != nil {
			continue
		}
		if _, err := fs.conn.WriteToUDP(out.Bytes(), from); err != nil {
			return
		}
	}
}

func (fs *fakeServer) ip() string {
	host, _, _ := net.SplitHostPort(fs.conn.LocalAddr().String())
	return host
}

func answerMessage(qname string, ip net.IP) *packet.Message {
	msg := packet.NewMessage()
	msg.Header.Response = true
	msg.Header.ResCode = packet.NOERROR
	msg.Questions = []packet.Question{{Name: qname, QType: packet.TypeA}}
	msg.Answers = []packet.Record{{Domain: qname, Type: packet.TypeA, TTL: 60, Addr: ip}}
	return msg
}

func referralMessage(qname, nsDomain, nsHost string) *packet.Message {
	msg := packet.NewMessage()
	msg.Header.Response = true
	msg.Questions = []packet.Question{{Name: qname, QType: packet.TypeA}}
	msg.Authorities = []packet.Record{{Domain: nsDomain, Type: packet.TypeNS, TTL: 60, Host: nsHost}}
	return msg
}

func testResolver(t *testing.T, rootHint, hopPort string) *Resolver {
	t.Helper()
	r := New(rootHint, 2*time.Second, 16, slog.Default())
	r.HopPort = hopPort
	return r
}

// TestRecursiveLookupGluedReferral drives RecursiveLookup end-to-end through
// a single glued referral: the root hands back ns1.example.com plus its A
// record in the additional section, and the walker must follow the glue
// straight to the authoritative server without a nested lookup.
func TestRecursiveLookupGluedReferral(t *testing.T) {
	auth := newFakeServerAt(t, "127.0.0.11:15361", func(req *packet.Message) *packet.Message {
		return answerMessage(req.Questions[0].Name, net.IPv4(93, 184, 216, 34))
	})
	root := newFakeServerAt(t, "127.0.0.10:15361", func(req *packet.Message) *packet.Message {
		msg := referralMessage(req.Questions[0].Name, "example.com", "ns1.example.com")
		msg.Resources = []packet.Record{{Domain: "ns1.example.com", Type: packet.TypeA, TTL: 60, Addr: net.ParseIP(auth.ip())}}
		return msg
	})

	r := testResolver(t, root.ip(), "15361")

	resp, err := r.RecursiveLookup(context.Background(), "example.com", packet.TypeA)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Answers, 1)
	require.Equal(t, "93.184.216.34", resp.Answers[0].Addr.String())
}

// TestRecursiveLookupUngluedReferral drives RecursiveLookup through an
// unglued referral: the root delegates to ns1.example.com with no glue A
// record, forcing nextNameserver to issue a nested RecursiveLookup for
// ns1.example.com's own A record before the walk can continue to the
// authoritative server.
func TestRecursiveLookupUngluedReferral(t *testing.T) {
	auth := newFakeServerAt(t, "127.0.0.12:15362", func(req *packet.Message) *packet.Message {
		return answerMessage(req.Questions[0].Name, net.IPv4(93, 184, 216, 35))
	})

	var nsLookups int32
	root := newFakeServerAt(t, "127.0.0.10:15362", func(req *packet.Message) *packet.Message {
		qname := req.Questions[0].Name
		if qname == "ns1.example.com" {
			atomic.AddInt32(&nsLookups, 1)
			return answerMessage(qname, net.ParseIP(auth.ip()))
		}
		return referralMessage(qname, "example.com", "ns1.example.com")
	})

	r := testResolver(t, root.ip(), "15362")

	resp, err := r.RecursiveLookup(context.Background(), "example.com", packet.TypeA)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Answers, 1)
	require.Equal(t, "93.184.216.35", resp.Answers[0].Addr.String())
	require.EqualValues(t, 1, atomic.LoadInt32(&nsLookups), "unglued referral must trigger exactly one nested lookup for the delegated NS host")
}

func TestNextNameserverSuffixFilterRejectsUnrelatedDelegation(t *testing.T) {
	r := testResolver(t, "198.41.0.4", "53")
	resp := referralMessage("example.com", "other.net", "ns1.other.net")

	_, found := r.nextNameserver(context.Background(), "example.com", resp, &depthBudget{remaining: 1}, new(int))
	require.False(t, found, "a delegation for other.net must not be used to resolve example.com")
}

func TestNextNameserverSuffixFilterAcceptsCoveringDelegation(t *testing.T) {
	r := testResolver(t, "198.41.0.4", "53")
	resp := referralMessage("www.example.com", "example.com", "ns1.example.com")
	resp.Resources = []packet.Record{{Domain: "ns1.example.com", Type: packet.TypeA, TTL: 60, Addr: net.IPv4(1, 2, 3, 4)}}

	ns, found := r.nextNameserver(context.Background(), "www.example.com", resp, &depthBudget{remaining: 1}, new(int))
	require.True(t, found)
	require.Equal(t, "1.2.3.4", ns)
}

// TestRecursiveLookupDepthBoundTerminates exercises a root that always
// refers back to itself via an unglued NS, which keeps feeding the shared
// depth budget through nested RecursiveLookup calls. The walk must still
// terminate, returning the last referral seen rather than hanging, and the
// number of hops it takes must be bounded by MaxDepth.
func TestRecursiveLookupDepthBoundTerminates(t *testing.T) {
	var hops int32
	root := newFakeServerAt(t, "127.0.0.10:15363", func(req *packet.Message) *packet.Message {
		atomic.AddInt32(&hops, 1)
		return referralMessage(req.Questions[0].Name, "example.com", "ns1.example.com")
	})

	r := testResolver(t, root.ip(), "15363")
	r.MaxDepth = 4

	resp, err := r.RecursiveLookup(context.Background(), "example.com", packet.TypeA)
	require.NoError(t, err, "an exhausted budget with a prior good response returns the last referral, not an error")
	require.NotNil(t, resp)
	require.LessOrEqual(t, int(atomic.LoadInt32(&hops)), r.MaxDepth, "walk must not exceed the configured depth budget")
	require.Greater(t, int(atomic.LoadInt32(&hops)), 1, "the referral must actually have been followed more than once")
}

// TestWalkDepthExceededWithNoGoodResponse exercises the other half of the
// depth bound: when the budget is already exhausted and no hop has ever
// succeeded, walk must report ErrDepthExceeded rather than a nil response.
func TestWalkDepthExceededWithNoGoodResponse(t *testing.T) {
	r := testResolver(t, "198.41.0.4", "53")
	budget := &depthBudget{remaining: 0}
	depth := 0

	_, err := r.walk(context.Background(), "example.com", packet.TypeA, "127.0.0.1", budget, &depth)
	require.ErrorIs(t, err, ErrDepthExceeded)
}

func TestLookupSetsRecursionDesired(t *testing.T) {
	srv := newFakeServerAt(t, "127.0.0.13:15364", func(req *packet.Message) *packet.Message {
		require.True(t, req.Header.RecursionDesired, "outbound hop query must set RD=1")
		return answerMessage(req.Questions[0].Name, net.IPv4(1, 2, 3, 4))
	})

	r := testResolver(t, "198.41.0.4", "53")
	_, err := r.Lookup(context.Background(), "example.com", packet.TypeA, srv.conn.LocalAddr().String())
	require.NoError(t, err)
}

func TestLookupTransactionIDMismatchRejected(t *testing.T) {
	bad := newFakeServerAt(t, "127.0.0.14:15365", func(req *packet.Message) *packet.Message {
		msg := answerMessage(req.Questions[0].Name, net.IPv4(1, 2, 3, 4))
		msg.Header.ID = req.Header.ID + 1
		return msg
	})

	r := testResolver(t, "198.41.0.4", "53")
	_, err := r.Lookup(context.Background(), "example.com", packet.TypeA, bad.conn.LocalAddr().String())
	require.Error(t, err)
}

func TestLookupNXDOMAIN(t *testing.T) {
	srv := newFakeServerAt(t, "127.0.0.15:15366", func(req *packet.Message) *packet.Message {
		msg := packet.NewMessage()
		msg.Header.Response = true
		msg.Header.ResCode = packet.NXDOMAIN
		msg.Questions = []packet.Question{{Name: req.Questions[0].Name, QType: packet.TypeA}}
		return msg
	})

	r := testResolver(t, "198.41.0.4", "53")
	resp, err := r.Lookup(context.Background(), "nonexistent.invalid", packet.TypeA, srv.conn.LocalAddr().String())
	require.NoError(t, err)
	require.Equal(t, packet.NXDOMAIN, resp.Header.ResCode)
}

func TestLookupTimeoutReturnsError(t *testing.T) {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.16:15367")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	r := testResolver(t, "198.41.0.4", "53")
	r.HopTimeout = 100 * time.Millisecond

	_, err = r.Lookup(context.Background(), "example.com", packet.TypeA, conn.LocalAddr().String())
	require.Error(t, err)
}

func TestDepthBudgetTake(t *testing.T) {
	b := &depthBudget{remaining: 2}
	require.True(t, b.take())
	require.True(t, b.take())
	require.False(t, b.take())
}
