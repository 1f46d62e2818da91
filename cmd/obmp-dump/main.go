// obmp-dump consumes envelopes from a Kafka topic and prints their decoded
// headers, a quick way to verify what the collector is publishing.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/route-beacon/bmp-collector/internal/bmp"
	"github.com/route-beacon/bmp-collector/internal/encap"
)

func main() {
	broker := "localhost:9092"
	topic := "openbmp.bmp_raw"
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topic = os.Args[2]
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumerGroup(fmt.Sprintf("obmp-dump-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgNum := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			msgNum++
			fmt.Printf("=== Kafka msg %d (partition=%d offset=%d, %d bytes, key=%s) ===\n",
				msgNum, rec.Partition, rec.Offset, len(rec.Value), hex.EncodeToString(rec.Key))

			analyzeEnvelope(rec.Value)
			fmt.Println()
		})

		if msgNum > 0 && len(fetches.Records()) == 0 {
			break
		}
	}

	fmt.Printf("Total Kafka messages: %d\n", msgNum)
}

func analyzeEnvelope(data []byte) {
	d, err := encap.Decode(data)
	if err != nil {
		fmt.Printf("  Decode error: %v\n", err)
		return
	}

	fmt.Printf("  Envelope v%d.%d, header_len=%d, flags=0x%02x\n",
		d.VersionMajor, d.VersionMinor, d.HeaderLen, d.Flags)
	fmt.Printf("  Capture:    %s\n", d.Capture.Format(time.RFC3339Nano))
	fmt.Printf("  Collector:  %q (%s)\n", d.CollectorName, hex.EncodeToString(d.CollectorHash[:]))

	switch d.MsgType {
	case encap.TypeCollectorHeartbeat:
		fmt.Println("  Type:       collector heartbeat")
		return
	case encap.TypeCollectorStopped:
		fmt.Println("  Type:       collector stopped")
		return
	}

	fmt.Printf("  Router:     %s group=%q (%s)\n",
		d.RouterIP, d.RouterGroup, hex.EncodeToString(d.RouterHash[:]))
	if d.Peer != nil {
		fmt.Printf("  Peer:       %s AS%d flags=0x%02x rd=%s\n",
			d.Peer.IP, d.Peer.ASN, d.Peer.Flags, hex.EncodeToString(d.Peer.RD[:]))
	}

	fmt.Printf("  BMP:        type=%d (%s), %d bytes\n", d.MsgType, bmpMsgName(d.MsgType), len(d.BMP))

	if d.MsgType == bmp.MsgTypeInitiation && len(d.BMP) > bmp.CommonHeaderSize {
		info := bmp.ParseInitiationInfo(d.BMP[bmp.CommonHeaderSize:])
		fmt.Printf("  SysName:    %q\n", info.SysName)
		fmt.Printf("  SysDescr:   %q\n", info.SysDescr)
	}
}

func bmpMsgName(t uint8) string {
	switch t {
	case bmp.MsgTypeRouteMonitoring:
		return "RouteMonitoring"
	case bmp.MsgTypeStatisticsReport:
		return "StatisticsReport"
	case bmp.MsgTypePeerDown:
		return "PeerDown"
	case bmp.MsgTypePeerUp:
		return "PeerUp"
	case bmp.MsgTypeInitiation:
		return "Initiation"
	case bmp.MsgTypeTermination:
		return "Termination"
	case bmp.MsgTypeRouteMirroring:
		return "RouteMirroring"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}
