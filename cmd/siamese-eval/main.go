// siamese-eval drives the encoder over a simulated lossy link and reports
// the overhead and retransmission cost per loss rate, optionally against a
// RaptorQ block code as a baseline.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/quicfec/siamese"
	"github.com/quicfec/siamese/internal/dropper"
	"github.com/quicfec/siamese/wire"
)

type result struct {
	Scheme        string  `json:"scheme"`
	Loss          float64 `json:"loss"`
	Packets       int     `json:"packets"`
	PacketBytes   int     `json:"packet_bytes"`
	Delivered     int     `json:"delivered"`
	OriginalBytes uint64  `json:"original_bytes"`
	RepairBytes   uint64  `json:"repair_bytes"`
	Retransmits   uint64  `json:"retransmits"`
	Acks          uint64  `json:"acks"`
	Rounds        int     `json:"rounds"`
	ElapsedMS     int64   `json:"elapsed_ms"`
}

func parseLosses(s string) ([]float64, error) {
	parts := strings.Split(s, ";")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("bad loss %q: %w", p, err)
		}
		out = append(out, v)
	}
	sort.Float64s(out)
	return out, nil
}

func newModel(kind string, loss, burst float64, rng *mrand.Rand) dropper.Model {
	if kind == "ge" {
		return dropper.NewGilbertElliott(loss, burst, rng)
	}
	return dropper.NewBernoulli(loss, rng)
}

// receiver tracks which columns arrived and emits selective acks in the
// encoder's wire format.
type receiver struct {
	got     map[uint32]bool
	highest uint32
	haveAny bool
}

func newReceiver() *receiver {
	return &receiver{got: make(map[uint32]bool)}
}

func (r *receiver) deliver(column uint32) {
	r.got[column] = true
	if !r.haveAny || column > r.highest {
		r.highest = column
		r.haveAny = true
	}
}

func (r *receiver) deliveredCount() int { return len(r.got) }

// buildAck writes next_column_expected plus loss ranges in the iterator's
// chained offset encoding: the first range starts at next_column_expected
// plus its relative start; each later range counts from one past the end
// of the previous range plus one.
func (r *receiver) buildAck() []byte {
	if !r.haveAny {
		return nil
	}
	next := uint32(0)
	for r.got[next] {
		next++
	}

	buf := make([]byte, wire.AckMinBytes)
	n := wire.PutPacketNum(buf, next)

	base := next
	column := next
	for column <= r.highest {
		if r.got[column] {
			column++
			continue
		}
		start := column
		for column <= r.highest && !r.got[column] {
			column++
		}
		lossCount := column - start
		buf = append(buf, 0, 0, 0, 0, 0, 0)
		n += wire.PutLossRange(buf[n:], start-base, lossCount-1)
		base = column + 1
	}
	return buf[:n]
}

func runSiamese(loss float64, cfg config, rng *mrand.Rand) result {
	model := newModel(cfg.model, loss, cfg.burst, rng)
	enc := siamese.NewEncoder()
	rx := newReceiver()
	res := result{Scheme: "siamese", Loss: loss, Packets: cfg.packets, PacketBytes: cfg.packetBytes}
	start := time.Now()

	data := make([]byte, cfg.packetBytes)
	for i := 0; i < cfg.packets; i++ {
		rng.Read(data)
		column, err := enc.Add(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "add: %v\n", err)
			os.Exit(1)
		}
		res.OriginalBytes += uint64(len(data))
		if !model.Drop() {
			rx.deliver(column)
		}

		// Periodic recovery traffic. The decoder is a separate component;
		// here recovery packets only count toward repair overhead.
		if (i+1)%cfg.encodeEvery == 0 {
			if packet, err := enc.Encode(); err == nil {
				res.RepairBytes += uint64(len(packet))
			}
		}

		// Periodic feedback plus NACK-driven retransmission.
		if (i+1)%cfg.ackEvery == 0 {
			res.Rounds++
			if ack := rx.buildAck(); ack != nil {
				if err := enc.Acknowledge(ack); err == nil {
					res.Acks++
				}
				for {
					p, err := enc.Retransmit(0)
					if err != nil {
						break
					}
					res.Retransmits++
					if !model.Drop() {
						rx.deliver(p.PacketNum)
					}
				}
			}
		}
	}

	// Drain remaining losses.
	for round := 0; round < cfg.maxRounds && rx.deliveredCount() < cfg.packets; round++ {
		res.Rounds++
		ack := rx.buildAck()
		if ack == nil {
			break
		}
		if err := enc.Acknowledge(ack); err == nil {
			res.Acks++
		}
		progressed := false
		for {
			p, err := enc.Retransmit(0)
			if err != nil {
				break
			}
			res.Retransmits++
			if !model.Drop() {
				rx.deliver(p.PacketNum)
				progressed = true
			}
		}
		if !progressed && rx.deliveredCount() >= rx.fullyBelowHighest() {
			break
		}
	}

	res.Delivered = rx.deliveredCount()
	res.ElapsedMS = time.Since(start).Milliseconds()
	return res
}

// fullyBelowHighest reports how many columns at or below the highest seen
// would exist if none were missing; used to detect a stuck tail.
func (r *receiver) fullyBelowHighest() int {
	if !r.haveAny {
		return 0
	}
	return int(r.highest) + 1
}

func runRaptorq(loss float64, cfg config, rng *mrand.Rand) result {
	model := newModel(cfg.model, loss, cfg.burst, rng)
	res := result{Scheme: "raptorq", Loss: loss, Packets: cfg.packets, PacketBytes: cfg.packetBytes}
	start := time.Now()

	blockData := make([]byte, cfg.blockK*cfg.packetBytes)
	for done := 0; done < cfg.packets; done += cfg.blockK {
		k := cfg.blockK
		if cfg.packets-done < k {
			k = cfg.packets - done
		}
		rng.Read(blockData[:k*cfg.packetBytes])
		block, err := newRaptorqBlock(blockData[:k*cfg.packetBytes], cfg.packetBytes)
		if err != nil {
			fmt.Fprintf(os.Stderr, "raptorq: %v\n", err)
			os.Exit(1)
		}

		received := make(map[uint32][]byte)
		sourceCount := block.sourceSymbols()
		repair := uint32(float64(sourceCount)*cfg.redundancy) + 1
		var id uint32
		for ; id < sourceCount+repair; id++ {
			symbol := block.symbol(id)
			if id < sourceCount {
				res.OriginalBytes += uint64(len(symbol))
			} else {
				res.RepairBytes += uint64(len(symbol))
			}
			if !model.Drop() {
				received[id] = symbol
			}
		}

		// Keep sending repair symbols until the block decodes.
		for round := 0; round < cfg.maxRounds; round++ {
			if _, _, err := decodeBlock(k*cfg.packetBytes, cfg.packetBytes, received); err == nil {
				res.Delivered += k
				break
			}
			res.Rounds++
			symbol := block.symbol(id)
			res.RepairBytes += uint64(len(symbol))
			if !model.Drop() {
				received[id] = symbol
			}
			id++
		}
	}

	res.ElapsedMS = time.Since(start).Milliseconds()
	return res
}

type config struct {
	packets     int
	packetBytes int
	encodeEvery int
	ackEvery    int
	blockK      int
	redundancy  float64
	model       string
	burst       float64
	maxRounds   int
}

func main() {
	var (
		schemes   = flag.String("schemes", "siamese;raptorq", "schemes to run, separated by ';'")
		losses    = flag.String("losses", "0.01;0.05;0.1", "loss rates, separated by ';'")
		model     = flag.String("model", "bernoulli", "loss model: bernoulli or ge")
		burst     = flag.Float64("burst", 4, "mean burst length for the ge model")
		packets   = flag.Int("packets", 2000, "original packets per run")
		bytesFlag = flag.Int("bytes", 1000, "payload bytes per packet")
		encEvery  = flag.Int("encode-every", 10, "originals between recovery packets")
		ackEvery  = flag.Int("ack-every", 32, "originals between acknowledgements")
		blockK    = flag.Int("block-k", 64, "raptorq source symbols per block")
		redun     = flag.Float64("redundancy", 0.15, "raptorq repair ratio")
		seed      = flag.Int64("seed", 1, "rng seed")
		jsonOut   = flag.String("json", "", "write results as JSON to this file")
	)
	flag.Parse()

	lossRates, err := parseLosses(*losses)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg := config{
		packets:     *packets,
		packetBytes: *bytesFlag,
		encodeEvery: *encEvery,
		ackEvery:    *ackEvery,
		blockK:      *blockK,
		redundancy:  *redun,
		model:       *model,
		burst:       *burst,
		maxRounds:   1000,
	}

	var results []result
	for _, scheme := range strings.Split(*schemes, ";") {
		for _, loss := range lossRates {
			rng := mrand.New(mrand.NewSource(*seed))
			switch strings.TrimSpace(scheme) {
			case "siamese":
				results = append(results, runSiamese(loss, cfg, rng))
			case "raptorq":
				results = append(results, runRaptorq(loss, cfg, rng))
			case "":
			default:
				fmt.Fprintf(os.Stderr, "unknown scheme %q\n", scheme)
				os.Exit(2)
			}
		}
	}

	fmt.Printf("%-8s %-6s %-10s %-12s %-12s %-8s %-6s\n",
		"scheme", "loss", "delivered", "orig_bytes", "repair_bytes", "retx", "ms")
	for _, r := range results {
		fmt.Printf("%-8s %-6.3f %-10d %-12d %-12d %-8d %-6d\n",
			r.Scheme, r.Loss, r.Delivered, r.OriginalBytes, r.RepairBytes,
			r.Retransmits, r.ElapsedMS)
	}

	if *jsonOut != "" {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := os.WriteFile(*jsonOut, data, 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}
