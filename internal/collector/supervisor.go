// Package collector runs the supervisor: it owns the listening sockets,
// admits router connections, spawns one worker per router, and emits the
// periodic collector heartbeat.
package collector

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bus"
	"github.com/route-beacon/bmp-collector/internal/config"
	"github.com/route-beacon/bmp-collector/internal/encap"
	"github.com/route-beacon/bmp-collector/internal/metrics"
	"github.com/route-beacon/bmp-collector/internal/topic"
	"github.com/route-beacon/bmp-collector/internal/worker"
)

// CPUReader supplies the rolling CPU utilization for the admission gate.
type CPUReader interface {
	Utilization() float64
}

const (
	reapInterval   = time.Second
	refuseBackoff  = time.Second
	stopDrainLimit = 10 * time.Second
)

// Supervisor accepts router connections and manages the worker set.
type Supervisor struct {
	cfg      *config.Config
	resolver *topic.Resolver
	sink     bus.Sink
	cpu      CPUReader
	logger   *zap.Logger

	collector encap.CollectorInfo

	// workers is read concurrently by the HTTP status endpoint.
	workers *xsync.MapOf[uint64, *worker.Worker]
	nextID  uint64

	workerOpts worker.Options

	listenAddrs atomic.Value // []string, set once listeners are open
}

// New builds a Supervisor. sink is the shared publisher; cpu may be nil to
// disable the CPU admission gate (tests).
func New(cfg *config.Config, resolver *topic.Resolver, sink bus.Sink, cpu CPUReader, logger *zap.Logger) *Supervisor {
	col := encap.CollectorInfo{
		Name:  cfg.Base.CollectorName,
		Group: cfg.Base.CollectorGroup,
		Hash:  encap.CollectorHash(cfg.Base.CollectorName),
	}
	return &Supervisor{
		cfg:       cfg,
		resolver:  resolver,
		sink:      sink,
		cpu:       cpu,
		logger:    logger,
		collector: col,
		workers:   xsync.NewMapOf[uint64, *worker.Worker](),
		workerOpts: worker.Options{
			Collector: col,
			RingBytes: cfg.RingBufferBytes(),
			SlowStart: true,
			DumpDir:   cfg.Debug.DumpDir,
		},
	}
}

// Run listens and serves until ctx is cancelled, then quiesces all workers
// and publishes the collector stopped record. Worker failures never
// propagate; listener errors close only the affected listener.
func (s *Supervisor) Run(ctx context.Context) error {
	listeners, err := openListeners(ctx, s.cfg.Base.ListenMode,
		s.cfg.Base.ListenIPv4, s.cfg.Base.ListenIPv6, s.cfg.Base.ListenPort)
	if err != nil {
		return err
	}
	addrs := make([]string, 0, len(listeners))
	for _, ln := range listeners {
		s.logger.Info("listening for BMP connections", zap.String("addr", ln.Addr().String()))
		addrs = append(addrs, ln.Addr().String())
	}
	s.listenAddrs.Store(addrs)

	conns := make(chan net.Conn)
	for _, ln := range listeners {
		go s.acceptLoop(ctx, ln, conns)
	}

	heartbeat := time.Duration(s.cfg.Base.HeartbeatInterval) * time.Second
	heartbeatTimer := time.NewTicker(heartbeat)
	defer heartbeatTimer.Stop()
	reapTimer := time.NewTicker(reapInterval)
	defer reapTimer.Stop()

	// An immediate heartbeat announces the collector as soon as it is up.
	s.publishCollector(encap.TypeCollectorHeartbeat)
	metrics.HeartbeatsTotal.Inc()

	for {
		select {
		case <-ctx.Done():
			for _, ln := range listeners {
				ln.Close()
			}
			s.shutdown()
			return nil

		case conn := <-conns:
			s.admit(conn)

		case <-heartbeatTimer.C:
			s.publishCollector(encap.TypeCollectorHeartbeat)
			metrics.HeartbeatsTotal.Inc()

		case <-reapTimer.C:
			s.reap()
		}
	}
}

// acceptLoop accepts on one listener until it closes. Accept errors close
// only this listener; the supervisor keeps serving the other family.
func (s *Supervisor) acceptLoop(ctx context.Context, ln net.Listener, conns chan<- net.Conn) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("listener closed", zap.String("addr", ln.Addr().String()), zap.Error(err))
			}
			ln.Close()
			return
		}
		select {
		case conns <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// admit applies the two admission gates; a refused connection is dropped
// and further accepts back off for a second, letting the kernel backlog
// absorb transient pressure.
func (s *Supervisor) admit(conn net.Conn) {
	if gate := s.refusalGate(); gate != "" {
		metrics.ConnectionsRefusedTotal.WithLabelValues(gate).Inc()
		s.logger.Warn("refusing BMP connection",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.String("gate", gate))
		conn.Close()
		time.Sleep(refuseBackoff)
		return
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetKeepAlive(true); err != nil {
			s.logger.Debug("unable to enable tcp keepalive", zap.Error(err))
		}
	}

	w, err := worker.New(conn, s.resolver, s.sink, s.workerOpts, s.logger.Named("worker"))
	if err != nil {
		s.logger.Warn("rejecting connection", zap.Error(err))
		conn.Close()
		return
	}

	id := s.nextID
	s.nextID++
	s.workers.Store(id, w)
	w.Start()
	metrics.WorkersLive.Set(float64(s.workers.Size()))
	s.logger.Info("router connected",
		zap.String("router", w.RouterIP().String()),
		zap.Int("workers", s.workers.Size()))
}

// refusalGate returns the name of the gate refusing admission, or "".
func (s *Supervisor) refusalGate() string {
	if s.RIBWaiting() >= s.cfg.Base.MaxRIBWaitingWorkers {
		return "rib_waiting"
	}
	if s.cpu != nil && s.cpu.Utilization() > s.cfg.Base.MaxCPUUtilization {
		return "cpu"
	}
	return ""
}

// reap removes workers that reached their terminal state.
func (s *Supervisor) reap() {
	waiting := 0
	s.workers.Range(func(id uint64, w *worker.Worker) bool {
		if w.Stopped() {
			s.workers.Delete(id)
			s.logger.Info("router disconnected", zap.String("router", w.RouterIP().String()))
		} else if !w.RIBDumpStarted() {
			waiting++
		}
		return true
	})
	metrics.WorkersLive.Set(float64(s.workers.Size()))
	metrics.WorkersRIBWaiting.Set(float64(waiting))
}

// RIBWaiting counts live workers that have not started their RIB dump.
func (s *Supervisor) RIBWaiting() int {
	waiting := 0
	s.workers.Range(func(_ uint64, w *worker.Worker) bool {
		if !w.Stopped() && !w.RIBDumpStarted() {
			waiting++
		}
		return true
	})
	return waiting
}

// WorkerCount returns the number of tracked workers.
func (s *Supervisor) WorkerCount() int {
	return s.workers.Size()
}

// ListenAddrs returns the bound listener addresses, nil until Run has
// opened them.
func (s *Supervisor) ListenAddrs() []string {
	addrs, _ := s.listenAddrs.Load().([]string)
	return addrs
}

// publishCollector emits a collector record (heartbeat or stopped) keyed by
// the collector hash.
func (s *Supervisor) publishCollector(msgType uint8) {
	now := time.Now()
	bb := bytebufferpool.Get()
	bb.B = encap.AppendCollector(bb.B[:0], s.collector, msgType, now)
	s.sink.Send(s.resolver.CollectorTopic(), s.collector.Hash[:], bb, now)
}

// shutdown signals every worker to stop, waits for them, and publishes the
// stopped record. The wait is bounded; stragglers are abandoned.
func (s *Supervisor) shutdown() {
	s.logger.Info("stopping collector", zap.Int("workers", s.workers.Size()))

	s.workers.Range(func(_ uint64, w *worker.Worker) bool {
		w.Stop()
		return true
	})

	deadline := time.After(stopDrainLimit)
	s.workers.Range(func(id uint64, w *worker.Worker) bool {
		select {
		case <-w.Done():
		case <-deadline:
			s.logger.Warn("worker did not stop in time", zap.String("router", w.RouterIP().String()))
		}
		s.workers.Delete(id)
		return true
	})

	s.publishCollector(encap.TypeCollectorStopped)
	s.logger.Info("collector stopped")
}
