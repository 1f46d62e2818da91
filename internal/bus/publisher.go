// Package bus publishes envelopes to Kafka. One Publisher is shared by the
// supervisor and every worker; franz-go buffers and retries internally, and
// Send never blocks the framer: when the producer cannot accept a record it
// is dropped with a warning.
package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/config"
	"github.com/route-beacon/bmp-collector/internal/metrics"
)

// Sink is the narrow producer interface workers depend on. buf is released
// back to the pool once the record has been delivered or dropped; the caller
// must not touch it after Send.
type Sink interface {
	Send(topic string, key []byte, buf *bytebufferpool.ByteBuffer, ts time.Time)
}

// Publisher is the process-wide Kafka producer.
type Publisher struct {
	client *kgo.Client
	logger *zap.Logger
}

// New builds the producer client from config. Passthrough keys use
// librdkafka names; the supported subset is mapped onto client options and
// the rest logged and ignored.
func New(cfg config.KafkaConfig, passthrough map[string]string, logger *zap.Logger) (*Publisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.MaxBufferedRecords(1 << 16),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
	}

	passOpts, err := passthroughOpts(passthrough, logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, passOpts...)

	tlsCfg, err := cfg.BuildTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := cfg.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	return &Publisher{client: client, logger: logger}, nil
}

// passthroughOpts maps librdkafka-style tuning keys onto kgo options.
func passthroughOpts(pass map[string]string, logger *zap.Logger) ([]kgo.Opt, error) {
	var opts []kgo.Opt
	for key, value := range pass {
		switch key {
		case "linger.ms":
			ms, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("bus: bad linger.ms %q: %w", value, err)
			}
			opts = append(opts, kgo.ProducerLinger(time.Duration(ms)*time.Millisecond))
		case "message.max.bytes":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("bus: bad message.max.bytes %q: %w", value, err)
			}
			opts = append(opts, kgo.ProducerBatchMaxBytes(int32(n)))
		case "compression.codec":
			codec, err := compressionCodec(value)
			if err != nil {
				return nil, err
			}
			opts = append(opts, kgo.ProducerBatchCompression(codec, kgo.NoCompression()))
		case "acks":
			switch value {
			case "all", "-1":
				opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
			case "1":
				opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
			case "0":
				opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
			default:
				return nil, fmt.Errorf("bus: bad acks %q", value)
			}
		default:
			logger.Warn("ignoring unsupported producer passthrough key", zap.String("key", key))
		}
	}
	return opts, nil
}

func compressionCodec(name string) (kgo.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "none":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	default:
		return kgo.NoCompression(), fmt.Errorf("bus: unknown compression.codec %q", name)
	}
}

// Send enqueues one record. The record key carries per-router ordering; the
// timestamp is the BMP capture time. buf is returned to the pool from the
// delivery promise.
func (p *Publisher) Send(topic string, key []byte, buf *bytebufferpool.ByteBuffer, ts time.Time) {
	rec := &kgo.Record{
		Topic:     topic,
		Key:       key,
		Value:     buf.B,
		Timestamp: ts,
	}
	size := float64(len(buf.B))

	p.client.TryProduce(context.Background(), rec, func(r *kgo.Record, err error) {
		bytebufferpool.Put(buf)
		if err == nil {
			metrics.BytesPublishedTotal.WithLabelValues("envelope").Add(size)
			return
		}
		if err == kgo.ErrMaxBuffered {
			metrics.EnvelopesDroppedTotal.WithLabelValues("buffer_full").Inc()
			p.logger.Warn("producer buffer full, dropping envelope", zap.String("topic", r.Topic))
			return
		}
		metrics.PublishErrorsTotal.Inc()
		p.logger.Warn("producer delivery failed, dropping envelope",
			zap.String("topic", r.Topic),
			zap.Error(err),
		)
	})
}

// Ping verifies broker connectivity, used by the readiness endpoint.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Drain bounds on close: at least 2s, at most 8 polls of 500ms.
const (
	flushMinWait      = 2 * time.Second
	flushPollInterval = 500 * time.Millisecond
	flushMaxPolls     = 8
)

// Close drains the outbound queue and releases the client. The drain is
// bounded independently of the caller's overall shutdown budget: timeout is
// clamped into [flushMinWait, flushMaxPolls*flushPollInterval], and the
// flush is polled in flushPollInterval steps so progress is logged.
// Undelivered records after the deadline are abandoned.
func (p *Publisher) Close(timeout time.Duration) {
	timeout = clampFlushWait(timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for ctx.Err() == nil {
		pollCtx, pollCancel := context.WithTimeout(ctx, flushPollInterval)
		err := p.client.Flush(pollCtx)
		pollCancel()
		if err == nil {
			break
		}
		p.logger.Info("waiting for producer to finish before disconnecting",
			zap.Int64("buffered", p.client.BufferedProduceRecords()))
	}
	if ctx.Err() != nil {
		p.logger.Warn("producer flush incomplete, abandoning outbound queue",
			zap.Int64("buffered", p.client.BufferedProduceRecords()))
	}
	p.client.Close()
}

// clampFlushWait bounds the drain wait to [2s, 8 x 500ms].
func clampFlushWait(timeout time.Duration) time.Duration {
	if timeout < flushMinWait {
		return flushMinWait
	}
	if max := flushMaxPolls * flushPollInterval; timeout > max {
		return max
	}
	return timeout
}
