package main

import (
	"Go2Attribution/internal/engine/protocol"
	"flag"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
)

// Generates a synthetic H4 capture: a few connections with bursts of ACL
// traffic, LE scanning and vendor commands in between.
func main() {
	outputFile := flag.String("o", "hci.pcap", "Output pcap file path")
	packetCount := flag.Int("c", 1000, "Number of packets to generate")
	peers := flag.Int("peers", 4, "Number of connected peers")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	pcapWriter := pcapgo.NewWriter(f)
	if err := pcapWriter.WriteFileHeader(65536, protocol.LinkTypeH4); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	ts := time.Now().Add(-time.Hour)
	write := func(frame []byte) {
		ts = ts.Add(time.Duration(rng.Intn(50)+1) * time.Millisecond)
		ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(frame), Length: len(frame)}
		if err := pcapWriter.WritePacket(ci, frame); err != nil {
			log.Fatalf("Failed to write packet: %v", err)
		}
	}

	log.Printf("Generating %d packets for %d peers into %s...", *packetCount, *peers, *outputFile)

	for p := 0; p < *peers; p++ {
		write(connectionComplete(uint16(p+1), peerAddress(p)))
	}

	for i := 0; i < *packetCount; i++ {
		switch n := rng.Intn(100); {
		case n < 80:
			write(acl(uint16(rng.Intn(*peers)+1), rng.Intn(1000)+10))
		case n < 90:
			write([]byte{0x01, 0x0c, 0x20, 0x02, 0x01, 0x00}) // LE Set Scan Enable
		case n < 95:
			write([]byte{0x04, 0x3e, 0x03, 0x02, 0x01, 0x00}) // LE Advertising Report
		default:
			write([]byte{0x01, 0x01, 0xfc, 0x00}) // vendor command
		}
	}
	log.Println("Done.")
}

func peerAddress(i int) []byte {
	// little-endian aa:bb:cc:dd:ee:<i>
	return []byte{byte(i + 1), 0xee, 0xdd, 0xcc, 0xbb, 0xaa}
}

func connectionComplete(handle uint16, addrLE []byte) []byte {
	frame := []byte{0x04, 0x03, 0x0b, 0x00, byte(handle), byte(handle >> 8)}
	frame = append(frame, addrLE...)
	return append(frame, 0x01, 0x00)
}

func acl(handle uint16, payloadLen int) []byte {
	frame := []byte{0x02, byte(handle), byte(handle>>8) | 0x20, byte(payloadLen), byte(payloadLen >> 8)}
	return append(frame, make([]byte, payloadLen)...)
}
