// Package worker owns one router's BMP session: a reader goroutine feeding
// the ring buffer from the TCP socket, and a framer goroutine that frames
// BMP messages, wraps them in envelopes, and hands them to the publisher.
// The two communicate only through the ring buffer.
package worker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bmp"
	"github.com/route-beacon/bmp-collector/internal/bus"
	"github.com/route-beacon/bmp-collector/internal/encap"
	"github.com/route-beacon/bmp-collector/internal/metrics"
	"github.com/route-beacon/bmp-collector/internal/ringbuf"
	"github.com/route-beacon/bmp-collector/internal/topic"
)

// Worker status values.
const (
	StatusWaiting int32 = iota // constructed, no bytes seen yet
	StatusRunning
	StatusStopped // terminal
)

// After Initiation, the second classified message marks the start of the
// RIB dump; routers typically pause up to ~30s between Initiation and the
// dump, so counting messages beats any timer here.
const ribDumpThreshold = 2

// defaultRefillSize is the bulk read chunk once Initiation has been seen.
const defaultRefillSize = 8192

// pollInterval bounds how long a blocked socket read can delay a stop.
const pollInterval = time.Second

// Options configures a Worker.
type Options struct {
	Collector  encap.CollectorInfo
	RingBytes  int
	RefillSize int
	// SlowStart reads one byte at a time until Initiation is observed so
	// the first message surfaces as soon as the router connects.
	SlowStart bool
	// DumpDir, when set, writes the raw inbound byte stream to a
	// zstd-compressed file for offline debugging.
	DumpDir string
}

type peerKey struct {
	ip  netip.Addr
	asn uint32
}

type peerEntry struct {
	info  encap.PeerInfo
	topic string
}

// Worker drives one router connection until EOF, a terminal parse error, a
// BMP Termination, or a supervisor stop.
type Worker struct {
	conn   net.Conn
	ring   *ringbuf.Buffer
	sink   bus.Sink
	scope  *topic.Router
	enc    *encap.Encoder
	logger *zap.Logger
	opts   Options

	routerIP   netip.Addr
	routerHash [16]byte
	routerKey  []byte

	status     atomic.Int32
	stopping   atomic.Bool
	routerInit atomic.Bool
	ribDump    atomic.Bool

	// framer-goroutine state
	msgsSinceInit int
	peers         map[peerKey]*peerEntry

	dump io.WriteCloser
	done chan struct{}
}

// New builds a worker for an accepted connection. Identity (hostname,
// group, hashes, envelope prefix) is derived here, once.
func New(conn net.Conn, resolver *topic.Resolver, sink bus.Sink, opts Options, logger *zap.Logger) (*Worker, error) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("worker: unexpected remote address %T", conn.RemoteAddr())
	}
	addr, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return nil, fmt.Errorf("worker: bad remote IP %v", tcpAddr.IP)
	}
	addr = addr.Unmap()

	if opts.RefillSize <= 0 {
		opts.RefillSize = defaultRefillSize
	}

	scope := resolver.Router(addr)
	routerHash := encap.RouterHash(scope.IPString())

	w := &Worker{
		conn:       conn,
		ring:       ringbuf.New(opts.RingBytes),
		sink:       sink,
		scope:      scope,
		logger:     logger.With(zap.String("router", scope.IPString())),
		opts:       opts,
		routerIP:   addr,
		routerHash: routerHash,
		routerKey:  routerHash[:],
		peers:      make(map[peerKey]*peerEntry),
		done:       make(chan struct{}),
	}
	w.enc = encap.NewEncoder(opts.Collector, net.IP(addr.AsSlice()), scope.Group(), routerHash)

	if opts.DumpDir != "" {
		if err := w.openDump(); err != nil {
			w.logger.Warn("raw stream dump disabled", zap.Error(err))
		}
	}

	return w, nil
}

// Start launches the reader and framer goroutines.
func (w *Worker) Start() {
	go w.readLoop()
	go w.frameLoop()
}

// Stop requests a cooperative stop and does not wait; use Done.
func (w *Worker) Stop() {
	w.stopping.Store(true)
	w.conn.Close()
	w.ring.CloseWithError(ringbuf.ErrClosed)
}

// Done is closed when the framer goroutine has finished.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stopped reports whether the worker reached its terminal state.
func (w *Worker) Stopped() bool { return w.status.Load() == StatusStopped }

// RIBDumpStarted reports whether the router has begun its RIB dump; the
// supervisor's admission gate counts workers still waiting for it.
func (w *Worker) RIBDumpStarted() bool { return w.ribDump.Load() }

// RouterIP returns the router's source address.
func (w *Worker) RouterIP() netip.Addr { return w.routerIP }

// readLoop pulls bytes from the socket into the ring buffer. Slow-start
// mode reads one byte at a time until Initiation is seen.
func (w *Worker) readLoop() {
	chunk := make([]byte, w.opts.RefillSize)

	for {
		if w.stopping.Load() {
			w.ring.CloseWithError(ringbuf.ErrClosed)
			return
		}

		n := len(chunk)
		if w.opts.SlowStart && !w.routerInit.Load() {
			n = 1
		}

		w.conn.SetReadDeadline(time.Now().Add(pollInterval))
		read, err := w.conn.Read(chunk[:n])

		if read > 0 {
			w.status.CompareAndSwap(StatusWaiting, StatusRunning)
			if w.dump != nil {
				w.dump.Write(chunk[:read])
			}
			if _, werr := w.ring.Write(chunk[:read]); werr != nil {
				return
			}
		}

		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if !w.stopping.Load() && err != io.EOF {
				w.logger.Info("router connection closed", zap.Error(err))
			}
			w.ring.CloseWithError(err)
			return
		}
	}
}

// frameLoop consumes the ring buffer, frames BMP messages, and publishes
// envelopes. Terminal conditions transition the worker to StatusStopped.
func (w *Worker) frameLoop() {
	defer func() {
		w.status.Store(StatusStopped)
		w.conn.Close()
		w.ring.CloseWithError(ringbuf.ErrClosed)
		if w.dump != nil {
			w.dump.Close()
		}
		close(w.done)
	}()

	need := 1
	for {
		if w.stopping.Load() {
			return
		}

		win, err := w.ring.Window(need)
		if err != nil {
			if err == ringbuf.ErrWindowTooLarge {
				w.logger.Error("message exceeds ring buffer capacity, stopping worker",
					zap.Int("need", need), zap.Int("capacity", w.ring.Cap()))
			} else if err != io.EOF && err != ringbuf.ErrClosed && !w.stopping.Load() {
				w.logger.Info("stream ended", zap.Error(err))
			}
			return
		}

		res := bmp.Frame(win)
		switch res.Kind {
		case bmp.KindPartial:
			need = res.Need
			if need <= len(win) {
				need = len(win) + 1
			}

		case bmp.KindInvalid:
			metrics.FramingErrorsTotal.WithLabelValues(res.Reason.String()).Inc()
			if res.Len > 0 {
				// The declared length is trusted; skip exactly this frame.
				w.logger.Warn("skipping invalid BMP message",
					zap.String("reason", res.Reason.String()),
					zap.Uint8("type", res.MsgType),
					zap.Int("len", res.Len))
				w.ring.Consume(res.Len)
				need = 1
				continue
			}
			w.logger.Error("unrecoverable BMP stream, stopping worker",
				zap.String("reason", res.Reason.String()),
				zap.Uint8("version", res.Version))
			return

		case bmp.KindOk:
			terminal := w.handleMessage(win[:res.Len], res)
			w.ring.Consume(res.Len)
			need = 1
			if terminal {
				return
			}
		}
	}
}

// handleMessage publishes one framed message and applies the session state
// transitions. Returns true when the session must end (Termination).
func (w *Worker) handleMessage(raw []byte, res bmp.Result) bool {
	capture := time.Now()

	// The rib-dump admission signal: 2 classified messages after Initiation.
	if w.routerInit.Load() && !w.ribDump.Load() {
		w.msgsSinceInit++
		if w.msgsSinceInit >= ribDumpThreshold {
			w.ribDump.Store(true)
		}
	}

	var (
		peerInfo  *encap.PeerInfo
		topicName string
	)
	if res.Peer != nil {
		entry := w.peerEntry(res.Peer)
		peerInfo = &entry.info
		topicName = entry.topic
	} else {
		topicName = w.scope.RawBMPTopic(netip.Addr{}, 0)
	}

	bb := bytebufferpool.Get()
	bb.B = w.enc.AppendEnvelope(bb.B[:0], raw, res.MsgType, peerInfo, capture)
	w.sink.Send(topicName, w.routerKey, bb, capture)

	metrics.BMPMessagesTotal.WithLabelValues(typeLabel(res.MsgType)).Inc()

	switch res.MsgType {
	case bmp.MsgTypeInitiation:
		info := bmp.ParseInitiationInfo(raw[bmp.CommonHeaderSize:])
		w.logger.Info("received initiation",
			zap.String("sys_name", info.SysName),
			zap.String("sys_descr", info.SysDescr))
		w.routerInit.Store(true)
		w.msgsSinceInit = 0
	case bmp.MsgTypeTermination:
		w.logger.Info("received termination, stopping worker")
		w.routerInit.Store(false)
		return true
	case bmp.MsgTypePeerUp:
		w.logger.Info("peer up",
			zap.String("peer", res.Peer.PeerIP().String()),
			zap.Uint32("peer_asn", res.Peer.ASN))
	case bmp.MsgTypePeerDown:
		w.logger.Info("peer down",
			zap.String("peer", res.Peer.PeerIP().String()),
			zap.Uint32("peer_asn", res.Peer.ASN))
	default:
		if res.MsgType > bmp.MsgTypeRouteMirroring {
			w.logger.Debug("forwarded unknown BMP message type",
				zap.Uint8("type", res.MsgType), zap.Int("len", len(raw)))
		}
	}

	return false
}

// peerEntry returns the cached identity and topic for a peer, creating it
// on first sight. Cached for the life of the worker.
func (w *Worker) peerEntry(hdr *bmp.PeerHeader) *peerEntry {
	addr, _ := netip.AddrFromSlice(hdr.PeerIP())
	addr = addr.Unmap()
	key := peerKey{ip: addr, asn: hdr.ASN}

	if entry, ok := w.peers[key]; ok {
		return entry
	}

	peerIP := hdr.PeerIP()
	entry := &peerEntry{
		info: encap.PeerInfo{
			Hash:  encap.PeerHash(w.routerHash, peerIP.String(), hdr.Distinguisher),
			ASN:   hdr.ASN,
			IP:    peerIP,
			RD:    hdr.Distinguisher,
			Flags: hdr.Flags,
		},
		topic: w.scope.RawBMPTopic(addr, hdr.ASN),
	}
	w.peers[key] = entry
	return entry
}

// openDump creates the zstd-compressed raw stream dump file.
func (w *Worker) openDump() error {
	name := fmt.Sprintf("%s-%d.bmp.zst", w.scope.IPString(), time.Now().Unix())
	f, err := os.Create(filepath.Join(w.opts.DumpDir, name))
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	w.dump = &dumpFile{f: f, zw: zw}
	return nil
}

type dumpFile struct {
	f  *os.File
	zw *zstd.Encoder
}

func (d *dumpFile) Write(p []byte) (int, error) { return d.zw.Write(p) }

func (d *dumpFile) Close() error {
	if err := d.zw.Close(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}

func typeLabel(t uint8) string {
	switch t {
	case bmp.MsgTypeRouteMonitoring:
		return "route_monitoring"
	case bmp.MsgTypeStatisticsReport:
		return "stats_report"
	case bmp.MsgTypePeerDown:
		return "peer_down"
	case bmp.MsgTypePeerUp:
		return "peer_up"
	case bmp.MsgTypeInitiation:
		return "initiation"
	case bmp.MsgTypeTermination:
		return "termination"
	case bmp.MsgTypeRouteMirroring:
		return "route_mirroring"
	default:
		return "unknown"
	}
}
