package memaccess

import (
	"crypto/rand"
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	j1939 "github.com/go-j1939/j1939"
)

type serverState uint8

const (
	serverIdle serverState = iota
	serverWaitForKey
	serverSendProceed
	serverSendOperationComplete
	serverSendError
	serverWaitForDM16
)

// SpatialFunc validates a requested address/length/direct pair before the
// server proceeds, returning false to reject the request outright.
type SpatialFunc func(address uint32, objectCount int, direct bool) bool

// SeedKeyValidFunc validates a key the client returned for the seed this
// server generated.
type SeedKeyValidFunc func(seed, key uint16) bool

// ProceedFunc is invoked when a read transaction's key is accepted, and its
// return value is sent to the client as the DM16 payload. For a write it is
// invoked after the client's DM16 has arrived, just before the
// operation-complete DM15; its return value is then ignored, and the
// written bytes are not passed to it.
type ProceedFunc func(address uint32, objectCount int, direct bool, command Command) []byte

// Server answers DM14 requests addressed to this CA, grounded on
// Dm14Server.py.
type Server struct {
	sender Sender
	src    uint8

	state       serverState
	srcPeer     uint8
	address     uint32
	objectCount int
	direct      bool
	command     Command
	seed        uint16

	spatial       SpatialFunc
	seedKeyValid  SeedKeyValidFunc
	proceed       ProceedFunc
	seedGenerator func() uint16

	data []byte
}

// NewServer builds a Server for a CA receiving from src.
func NewServer(sender Sender, src uint8) *Server {
	return &Server{sender: sender, src: src, seedGenerator: generateSeed}
}

func (s *Server) SetSpatialFunction(fn SpatialFunc)             { s.spatial = fn }
func (s *Server) SetSeedKeyValidFunction(fn SeedKeyValidFunc)   { s.seedKeyValid = fn }
func (s *Server) SetProceedFunction(fn ProceedFunc)             { s.proceed = fn }
func (s *Server) SetSeedGenerator(fn func() uint16)             { s.seedGenerator = fn }

// generateSeed mirrors Dm14Server.generate_seed: 16 random bits, re-rolled
// to 0xBEEF if it happens to land on the two reserved sentinel values.
func generateSeed() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	seed := binary.LittleEndian.Uint16(b[:])
	if seed == 0x0000 || seed == 0xFFFF {
		return 0xBEEF
	}
	return seed
}

// HandleDM14 processes an inbound DM14 request frame.
func (s *Server) HandleDM14(sourceAddress uint8, data []byte) {
	if len(data) < 8 {
		return
	}
	objectCount := int(data[0]) + int(data[1]&0xE0)<<3
	direct := (data[1]>>4)&1 != 0
	command := Command((data[1] >> 1) & 0x7)
	address := binary.LittleEndian.Uint32(data[2:6])
	keyOrLevel := uint16(data[6]) | uint16(data[7])<<8

	switch command {
	case CommandOperationCompleted:
		s.reset()
		return
	case CommandRead, CommandWrite:
		if s.state == serverIdle {
			s.beginTransaction(sourceAddress, address, objectCount, direct, command)
			return
		}
		if sourceAddress != s.srcPeer {
			// Busy with another peer's transaction: answer BUSY (error 0x2)
			// without disturbing the in-flight session, matching
			// Dm14Server.parse_dm14's `self._busy` branch.
			_ = s.sendDM15(0x2, 0xFF)
			return
		}
		if s.state == serverWaitForKey && keyOrLevel != 0xFFFF {
			s.checkKey(keyOrLevel)
			return
		}
	}
}

func (s *Server) beginTransaction(sourceAddress uint8, address uint32, objectCount int, direct bool, command Command) {
	if s.spatial != nil && !s.spatial(address, objectCount, direct) {
		s.state = serverSendError
		s.srcPeer = sourceAddress
		_ = s.sendDM15(0xFFFFFF, 0xFF)
		s.state = serverIdle
		return
	}
	s.srcPeer = sourceAddress
	s.address = address
	s.objectCount = objectCount
	s.direct = direct
	s.command = command
	s.seed = s.seedGenerator()
	s.state = serverWaitForKey
	_ = s.sendDM15Seed()
}

func (s *Server) checkKey(key uint16) {
	ok := s.seedKeyValid == nil || s.seedKeyValid(s.seed, key)
	if !ok {
		s.state = serverSendError
		_ = s.sendDM15(0xFFFFFF, 0xFF)
		s.reset()
		return
	}
	if s.command == CommandWrite {
		s.state = serverWaitForDM16
		_ = s.sendDM15Proceed()
		return
	}
	// Read: answer with the data immediately, matching _wait_for_data's
	// READ branch (send DM15 proceed, then the DM16 payload). The peer's
	// own operation-complete DM14 drives HandleDM14's reset, same as it
	// does at the end of a write.
	s.state = serverSendProceed
	_ = s.sendDM15Proceed()
	if s.proceed != nil {
		s.data = s.proceed(s.address, s.objectCount, s.direct, s.command)
	}
	_ = s.sendDM16()
}

// HandleDM16 processes the data payload of a write transaction.
func (s *Server) HandleDM16(sourceAddress uint8, data []byte) {
	if sourceAddress != s.srcPeer || s.state != serverWaitForDM16 || len(data) < 1 {
		return
	}
	s.data = append([]byte(nil), data[1:]...)
	s.state = serverSendOperationComplete
	if s.proceed != nil {
		s.proceed(s.address, s.objectCount, s.direct, s.command)
	}
	_ = s.sendDM15(0, 0xFF)
	s.reset()
}

// Respond sends data to the current peer as a DM16, or an operation-failed
// DM15 when proceed is false, and then resets the server. A read whose key
// is accepted has already been answered with the ProceedFunc result.
// Mirrors Dm14Server.respond's public surface.
func (s *Server) Respond(proceed bool, data []byte) error {
	if !proceed {
		_ = s.sendDM15(0xFFFFFF, 0xFF)
		s.reset()
		return nil
	}
	s.data = data
	if err := s.sendDM16(); err != nil {
		return err
	}
	s.reset()
	return nil
}

func (s *Server) sendDM15Seed() error {
	return s.sendDM15Raw(uint8(CommandWrite)<<1, uint16(s.objectCount), s.seed)
}

func (s *Server) sendDM15Proceed() error {
	return s.sendDM15Raw(uint8(Dm15Proceed)<<1, uint16(s.objectCount), 0xFFFF)
}

func (s *Server) sendDM15(errCode uint32, edcp uint8) error {
	status := Dm15OperationFailed
	if errCode == 0 {
		status = Dm15OperationComplete
	}
	data := make([]byte, 8)
	data[0] = byte(s.objectCount & 0xFF)
	data[1] = byte((s.objectCount>>3)&0xE0) | uint8(status)<<1 | 1
	data[2] = byte(errCode)
	data[3] = byte(errCode >> 8)
	data[4] = byte(errCode >> 16)
	data[5] = edcp
	data[6] = 0xFF
	data[7] = 0xFF
	return s.sender.SendPGN(j1939.PGNFromValue(j1939.PGNDM15), 6, s.src, data)
}

func (s *Server) sendDM15Raw(statusByte uint8, length uint16, seed uint16) error {
	data := make([]byte, 8)
	data[0] = byte(length & 0xFF)
	data[1] = byte((length>>3)&0xE0) | statusByte | 1
	data[2], data[3], data[4] = 0xFF, 0xFF, 0xFF
	data[5] = 0xFF
	data[6] = byte(seed & 0xFF)
	data[7] = byte(seed >> 8)
	return s.sender.SendPGN(j1939.PGNFromValue(j1939.PGNDM15), 6, s.src, data)
}

func (s *Server) sendDM16() error {
	data := make([]byte, 0, 1+len(s.data))
	if len(s.data) > 7 {
		data = append(data, 0xFF)
	} else {
		data = append(data, byte(len(s.data)))
	}
	data = append(data, s.data...)
	return s.sender.SendPGN(j1939.PGNFromValue(j1939.PGNDM16), 6, s.src, data)
}

func (s *Server) reset() {
	s.state = serverIdle
	s.address = 0
	s.objectCount = 0
	s.data = nil
	log.WithField("peer", s.srcPeer).Debug("memaccess: server transaction reset")
}
