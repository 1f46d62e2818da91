package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bmp"
	"github.com/route-beacon/bmp-collector/internal/encap"
	"github.com/route-beacon/bmp-collector/internal/topic"
)

type sentRecord struct {
	topic string
	key   []byte
	value []byte
	ts    time.Time
}

// captureSink records every published envelope.
type captureSink struct {
	mu   sync.Mutex
	recs []sentRecord
}

func (s *captureSink) Send(topicName string, key []byte, buf *bytebufferpool.ByteBuffer, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, sentRecord{
		topic: topicName,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), buf.B...),
		ts:    ts,
	})
	bytebufferpool.Put(buf)
}

func (s *captureSink) snapshot() []sentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentRecord(nil), s.recs...)
}

func (s *captureSink) waitFor(t *testing.T, n int) []sentRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if recs := s.snapshot(); len(recs) >= n {
			return recs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d records, have %d", n, len(s.snapshot()))
	return nil
}

func testResolver() *topic.Resolver {
	return topic.NewResolver(topic.Config{
		CollectorName:     "c1",
		CollectorGroup:    "lab",
		CollectorTemplate: "openbmp.collector",
		RouterTemplate:    "openbmp.router",
		RawBMPTemplate:    "openbmp.bmp_raw.{{peer_ip}}.{{peer_asn}}",
		Resolve: func(ip string) (string, error) {
			return "", errors.New("no dns in tests")
		},
	})
}

// startWorker listens on loopback, dials it, and attaches a worker to the
// accepted side. Returns the dialer's end for feeding bytes.
func startWorker(t *testing.T, sink *captureSink, opts Options) (*Worker, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if opts.Collector.Name == "" {
		opts.Collector = encap.CollectorInfo{Name: "c1", Hash: encap.CollectorHash("c1")}
	}
	if opts.RingBytes == 0 {
		opts.RingBytes = 1 << 16
	}

	w, err := New(server, testResolver(), sink, opts, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	t.Cleanup(func() {
		w.Stop()
		client.Close()
	})
	return w, client
}

func waitStopped(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
	if !w.Stopped() {
		t.Fatal("worker done but not marked stopped")
	}
}

var initiationMsg = []byte{
	0x03, 0x00, 0x00, 0x00, 0x17, 0x04, // common header, len 23, type INIT
	0x00, 0x02, 0x00, 0x02, 'r', '1', // sysName TLV
	0x00, 0x01, 0x00, 0x07, 't', 'e', 's', 't', 'i', 'n', 'g', // sysDescr TLV
}

var terminationMsg = []byte{0x03, 0x00, 0x00, 0x00, 0x06, 0x05}

func buildPeerMsg(msgType uint8, peerIP net.IP, asn uint32, payload []byte) []byte {
	total := bmp.CommonHeaderSize + bmp.PerPeerHeaderSize + len(payload)
	msg := make([]byte, total)
	msg[0] = bmp.Version
	binary.BigEndian.PutUint32(msg[1:5], uint32(total))
	msg[5] = msgType
	copy(msg[6+10+12:6+10+16], peerIP.To4())
	binary.BigEndian.PutUint32(msg[6+26:6+30], asn)
	copy(msg[bmp.CommonHeaderSize+bmp.PerPeerHeaderSize:], payload)
	return msg
}

func TestWorker_InitiationTermination(t *testing.T) {
	sink := &captureSink{}
	w, client := startWorker(t, sink, Options{})

	client.Write(initiationMsg)
	client.Write(terminationMsg)

	recs := sink.waitFor(t, 2)
	waitStopped(t, w)

	for i, want := range [][]byte{initiationMsg, terminationMsg} {
		payload, err := encap.DecodePayload(recs[i].value)
		if err != nil {
			t.Fatalf("record %d: decode: %v", i, err)
		}
		if !bytes.Equal(payload, want) {
			t.Fatalf("record %d payload not bit-exact", i)
		}
	}

	// Peerless messages route to the raw topic with empty peer fields.
	if recs[0].topic != "openbmp.bmp_raw..0" {
		t.Errorf("unexpected topic %q", recs[0].topic)
	}
}

func TestWorker_PeerUpThenRouteMonitoring(t *testing.T) {
	sink := &captureSink{}
	w, client := startWorker(t, sink, Options{})

	peerIP := net.ParseIP("10.0.0.1")
	peerUp := buildPeerMsg(bmp.MsgTypePeerUp, peerIP, 65001, bytes.Repeat([]byte{0xEE}, 40))
	routeMon := buildPeerMsg(bmp.MsgTypeRouteMonitoring, peerIP, 65001, bytes.Repeat([]byte{0xAB}, 64))

	client.Write(initiationMsg)
	client.Write(peerUp)
	client.Write(routeMon)

	recs := sink.waitFor(t, 3)

	wantTopic := "openbmp.bmp_raw.10.0.0.1.65001"
	for _, r := range recs[1:] {
		if r.topic != wantTopic {
			t.Errorf("expected topic %q, got %q", wantTopic, r.topic)
		}
	}

	// All keys equal the router hash of the connection's source IP.
	routerHash := encap.RouterHash(w.RouterIP().String())
	for i, r := range recs {
		if !bytes.Equal(r.key, routerHash[:]) {
			t.Errorf("record %d key is not the router hash", i)
		}
	}

	// Per-router ordering: payloads in wire order.
	for i, want := range [][]byte{initiationMsg, peerUp, routeMon} {
		payload, _ := encap.DecodePayload(recs[i].value)
		if !bytes.Equal(payload, want) {
			t.Fatalf("record %d out of order or corrupted", i)
		}
	}

	// Envelope carries the peer block.
	d, err := encap.Decode(recs[2].value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Peer == nil || d.Peer.ASN != 65001 || !d.Peer.IP.Equal(peerIP) {
		t.Errorf("unexpected peer block %+v", d.Peer)
	}

	// Second classified message after initiation: RIB dump considered started.
	if !w.RIBDumpStarted() {
		t.Error("expected rib_dump_started after two post-init messages")
	}
}

func TestWorker_MessageSplitAcrossWrites(t *testing.T) {
	sink := &captureSink{}
	_, client := startWorker(t, sink, Options{})

	msg := buildPeerMsg(bmp.MsgTypeRouteMonitoring, net.ParseIP("10.0.0.2"), 65010, bytes.Repeat([]byte{0x55}, 3000))
	client.Write(msg[:100])
	time.Sleep(20 * time.Millisecond)
	client.Write(msg[100:])

	recs := sink.waitFor(t, 1)
	payload, err := encap.DecodePayload(recs[0].value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(payload, msg) {
		t.Fatal("split message not reassembled bit-exactly")
	}
}

func TestWorker_UnsupportedVersionStops(t *testing.T) {
	sink := &captureSink{}
	w, client := startWorker(t, sink, Options{})

	client.Write([]byte{0x07, 0x00, 0x00, 0x00, 0x06, 0x00})
	waitStopped(t, w)

	if len(sink.snapshot()) != 0 {
		t.Error("no envelope should be published for an invalid stream")
	}
}

func TestWorker_EOFStops(t *testing.T) {
	sink := &captureSink{}
	w, client := startWorker(t, sink, Options{})

	client.Write(initiationMsg)
	sink.waitFor(t, 1)
	client.Close()
	waitStopped(t, w)
}

func TestWorker_SupervisorStop(t *testing.T) {
	sink := &captureSink{}
	w, client := startWorker(t, sink, Options{})

	client.Write(initiationMsg)
	sink.waitFor(t, 1)
	w.Stop()
	waitStopped(t, w)
}

func TestWorker_SlowStart(t *testing.T) {
	sink := &captureSink{}
	w, client := startWorker(t, sink, Options{SlowStart: true})

	client.Write(initiationMsg)
	recs := sink.waitFor(t, 1)
	payload, _ := encap.DecodePayload(recs[0].value)
	if !bytes.Equal(payload, initiationMsg) {
		t.Fatal("slow-start mode corrupted framing")
	}

	// Bulk mode after initiation still frames correctly.
	msg := buildPeerMsg(bmp.MsgTypeRouteMonitoring, net.ParseIP("10.9.9.9"), 64512, bytes.Repeat([]byte{0x11}, 500))
	client.Write(msg)
	recs = sink.waitFor(t, 2)
	payload, _ = encap.DecodePayload(recs[1].value)
	if !bytes.Equal(payload, msg) {
		t.Fatal("bulk mode corrupted framing")
	}
	_ = w
}

func TestWorker_SmallRingBackToBackMessages(t *testing.T) {
	sink := &captureSink{}
	_, client := startWorker(t, sink, Options{RingBytes: 4096})

	peerIP := net.ParseIP("10.0.0.3")
	first := buildPeerMsg(bmp.MsgTypeRouteMonitoring, peerIP, 65020, bytes.Repeat([]byte{0x01}, 3000-bmp.CommonHeaderSize-bmp.PerPeerHeaderSize))
	second := buildPeerMsg(bmp.MsgTypeRouteMonitoring, peerIP, 65020, bytes.Repeat([]byte{0x02}, 3000-bmp.CommonHeaderSize-bmp.PerPeerHeaderSize))

	client.Write(first)
	client.Write(second)

	recs := sink.waitFor(t, 2)
	for i, want := range [][]byte{first, second} {
		payload, err := encap.DecodePayload(recs[i].value)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if !bytes.Equal(payload, want) {
			t.Fatalf("record %d not bit-exact across the ring wrap", i)
		}
	}
}

func TestWorker_MessageExactlyRingCapacity(t *testing.T) {
	sink := &captureSink{}
	_, client := startWorker(t, sink, Options{RingBytes: 4096})

	msg := buildPeerMsg(bmp.MsgTypeRouteMonitoring, net.ParseIP("10.0.0.4"), 65021,
		bytes.Repeat([]byte{0x77}, 4096-bmp.CommonHeaderSize-bmp.PerPeerHeaderSize))
	if len(msg) != 4096 {
		t.Fatalf("fixture must be exactly capacity, got %d", len(msg))
	}

	go client.Write(msg)

	recs := sink.waitFor(t, 1)
	payload, err := encap.DecodePayload(recs[0].value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(payload, msg) {
		t.Fatal("capacity-sized message not forwarded bit-exactly")
	}
}

func TestWorker_MessageLargerThanRingStops(t *testing.T) {
	sink := &captureSink{}
	w, client := startWorker(t, sink, Options{RingBytes: 4096})

	// Declares a 8000-byte message: can never fit, worker must stop.
	hdr := make([]byte, bmp.CommonHeaderSize)
	hdr[0] = bmp.Version
	binary.BigEndian.PutUint32(hdr[1:5], 8000)
	hdr[5] = bmp.MsgTypeInitiation
	client.Write(hdr)

	waitStopped(t, w)
	if len(sink.snapshot()) != 0 {
		t.Error("oversized message must not be published")
	}
}

func TestWorker_SkippableInvalidContinues(t *testing.T) {
	sink := &captureSink{}
	w, client := startWorker(t, sink, Options{})

	// Declared length too small for the per-peer header: skippable invalid.
	bad := make([]byte, 10)
	bad[0] = bmp.Version
	binary.BigEndian.PutUint32(bad[1:5], 10)
	bad[5] = bmp.MsgTypeRouteMonitoring

	client.Write(bad)
	client.Write(initiationMsg)

	recs := sink.waitFor(t, 1)
	payload, _ := encap.DecodePayload(recs[0].value)
	if !bytes.Equal(payload, initiationMsg) {
		t.Fatal("worker did not resynchronize after a skippable invalid message")
	}
	if w.Stopped() {
		t.Error("worker must survive a skippable invalid message")
	}
}
