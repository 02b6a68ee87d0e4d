package protocol

import (
	"Go2Attribution/internal/model"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Link types of the capture formats carrying HCI traffic.
const (
	LinkTypeH4           layers.LinkType = 187
	LinkTypeH4WithPHDR   layers.LinkType = 201
	LinkTypeLinuxMonitor layers.LinkType = 254
)

// HCI packet types.
const (
	packetCommand uint8 = 0x01
	packetACL     uint8 = 0x02
	packetSCO     uint8 = 0x03
	packetEvent   uint8 = 0x04
	packetISO     uint8 = 0x05
)

// Command opcodes.
const (
	opInquiry            uint16 = 0x0401
	opCreateConnection   uint16 = 0x0405
	opLESetAdvEnable     uint16 = 0x200A
	opLESetScanEnable    uint16 = 0x200C
	opLECreateConnection uint16 = 0x200D
	opLESetExtAdvEnable  uint16 = 0x2039
	opLESetExtScanEnable uint16 = 0x2042
	opLEExtCreateConn    uint16 = 0x2043
	ogfVendor            uint16 = 0x3F
)

// Event codes.
const (
	evInquiryComplete       uint8 = 0x01
	evInquiryResult         uint8 = 0x02
	evConnectionComplete    uint8 = 0x03
	evDisconnectionComplete uint8 = 0x05
	evInquiryResultRSSI     uint8 = 0x22
	evExtInquiryResult      uint8 = 0x2F
	evLEMeta                uint8 = 0x3E

	subLEConnectionComplete         uint8 = 0x01
	subLEAdvertisingReport          uint8 = 0x02
	subLEEnhancedConnectionComplete uint8 = 0x0A
	subLEExtAdvertisingReport       uint8 = 0x0D
)

// ErrNotHCI is returned for frames that carry no HCI packet, such as monitor
// index or system notes.
var ErrNotHCI = errors.New("frame does not carry an HCI packet")

// Classifier turns captured HCI packets into activity records. It tracks
// connection handles to resolve the peer address of data packets, so a single
// Classifier must see the packets of one capture in order. It is not safe for
// concurrent use.
type Classifier struct {
	handles map[uint16]model.Address
}

// NewClassifier creates a Classifier with an empty handle table.
func NewClassifier() *Classifier {
	return &Classifier{handles: make(map[uint16]model.Address)}
}

// Connections returns the number of currently known connection handles.
func (c *Classifier) Connections() int {
	return len(c.handles)
}

// ClassifyPacket classifies a decoded gopacket packet captured on linkType.
func (c *Classifier) ClassifyPacket(linkType layers.LinkType, packet gopacket.Packet) (model.ActivityRecord, error) {
	return c.Classify(linkType, packet.Data())
}

// Classify classifies one raw frame. The byte count of the record is the length
// of the HCI packet without any capture pseudo-header or H4 indicator.
func (c *Classifier) Classify(linkType layers.LinkType, frame []byte) (model.ActivityRecord, error) {
	pktType, hci, err := unwrap(linkType, frame)
	if err != nil {
		return model.ActivityRecord{}, err
	}

	rec := model.ActivityRecord{ByteCount: uint64(len(hci))}
	switch pktType {
	case packetCommand:
		err = c.command(hci, &rec)
	case packetEvent:
		err = c.event(hci, &rec)
	case packetACL:
		err = c.data(hci, model.ActivityACL, &rec)
	case packetSCO:
		err = c.data(hci, model.ActivityHFP, &rec)
	case packetISO:
		err = c.data(hci, model.ActivityISO, &rec)
	default:
		return model.ActivityRecord{}, fmt.Errorf("unknown HCI packet type 0x%02x", pktType)
	}
	if err != nil {
		return model.ActivityRecord{}, err
	}
	return rec, nil
}

// unwrap strips the link-layer framing and returns the HCI packet type and body.
func unwrap(linkType layers.LinkType, frame []byte) (uint8, []byte, error) {
	switch linkType {
	case LinkTypeH4WithPHDR:
		if len(frame) < 4 {
			return 0, nil, fmt.Errorf("short H4 pseudo-header: %d bytes", len(frame))
		}
		frame = frame[4:]
		fallthrough
	case LinkTypeH4:
		if len(frame) < 1 {
			return 0, nil, errors.New("empty H4 frame")
		}
		return frame[0], frame[1:], nil
	case LinkTypeLinuxMonitor:
		if len(frame) < 4 {
			return 0, nil, fmt.Errorf("short monitor header: %d bytes", len(frame))
		}
		// adapter index (2), opcode (2); network byte order.
		opcode := binary.BigEndian.Uint16(frame[2:4])
		body := frame[4:]
		switch opcode {
		case 2:
			return packetCommand, body, nil
		case 3:
			return packetEvent, body, nil
		case 4, 5:
			return packetACL, body, nil
		case 6, 7:
			return packetSCO, body, nil
		case 18, 19:
			return packetISO, body, nil
		}
		return 0, nil, ErrNotHCI
	}
	return 0, nil, fmt.Errorf("unsupported link type %d", linkType)
}

func (c *Classifier) command(b []byte, rec *model.ActivityRecord) error {
	if len(b) < 3 {
		return fmt.Errorf("short HCI command: %d bytes", len(b))
	}
	opcode := binary.LittleEndian.Uint16(b[0:2])
	params := b[3:]

	switch opcode {
	case opInquiry:
		rec.Activity = model.ActivityInquiry
	case opCreateConnection:
		rec.Activity = model.ActivityConnect
		rec.Address = addressAt(params, 0)
	case opLECreateConnection:
		rec.Activity = model.ActivityConnect
		rec.Address = addressAt(params, 6)
	case opLEExtCreateConn:
		rec.Activity = model.ActivityConnect
		rec.Address = addressAt(params, 3)
	case opLESetScanEnable, opLESetExtScanEnable:
		rec.Activity = model.ActivityScan
	case opLESetAdvEnable, opLESetExtAdvEnable:
		rec.Activity = model.ActivityAdvertise
	default:
		if opcode>>10 == ogfVendor {
			rec.Activity = model.ActivityVendor
		} else {
			rec.Activity = model.ActivityControl
		}
	}
	return nil
}

func (c *Classifier) event(b []byte, rec *model.ActivityRecord) error {
	if len(b) < 2 {
		return fmt.Errorf("short HCI event: %d bytes", len(b))
	}
	code := b[0]
	params := b[2:]

	rec.Activity = model.ActivityControl
	switch code {
	case evInquiryResult, evInquiryResultRSSI, evExtInquiryResult, evInquiryComplete:
		rec.Activity = model.ActivityInquiry
	case evConnectionComplete:
		// status (1), handle (2), bd_addr (6)
		rec.Activity = model.ActivityConnect
		if len(params) >= 9 {
			rec.Address = addressAt(params, 3)
			if params[0] == 0 {
				c.handles[handleAt(params, 1)] = rec.Address
			}
		}
	case evDisconnectionComplete:
		// status (1), handle (2), reason (1)
		if len(params) >= 3 {
			handle := handleAt(params, 1)
			rec.Address = c.handles[handle]
			if params[0] == 0 {
				delete(c.handles, handle)
			}
		}
	case evLEMeta:
		if len(params) < 1 {
			return errors.New("LE meta event without subevent code")
		}
		sub := params[1:]
		switch params[0] {
		case subLEConnectionComplete, subLEEnhancedConnectionComplete:
			// status (1), handle (2), role (1), peer address type (1), peer address (6)
			rec.Activity = model.ActivityConnect
			if len(sub) >= 11 {
				rec.Address = addressAt(sub, 5)
				if sub[0] == 0 {
					c.handles[handleAt(sub, 1)] = rec.Address
				}
			}
		case subLEAdvertisingReport, subLEExtAdvertisingReport:
			rec.Activity = model.ActivityScan
		}
	}
	return nil
}

func (c *Classifier) data(b []byte, activity model.Activity, rec *model.ActivityRecord) error {
	if len(b) < 2 {
		return fmt.Errorf("short %s packet: %d bytes", activity, len(b))
	}
	rec.Activity = activity
	rec.Address = c.handles[handleAt(b, 0)]
	return nil
}

func handleAt(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off:off+2]) & 0x0FFF
}

func addressAt(b []byte, off int) model.Address {
	if len(b) < off+model.AddressSize {
		return model.Address{}
	}
	return model.AddressFromLE(b[off : off+model.AddressSize])
}
