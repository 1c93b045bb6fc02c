package memaccess

import j1939 "github.com/go-j1939/j1939"

// MemoryAccess is the facade combining Query and Server behind one type, so
// a single CA can be originator and responder of DM14 transactions, as
// original_source/j1939/memory_access.py's MemoryAccess does by
// multiplexing one inbound DM14/15/16 stream between Query-role and
// Server-role handling (SPEC_FULL.md §4 supplemented feature).
type MemoryAccess struct {
	query  *Query
	server *Server
}

// New builds a MemoryAccess for a CA transmitting/receiving from src.
func New(sender Sender, src uint8) *MemoryAccess {
	return &MemoryAccess{
		query:  NewQuery(sender, src),
		server: NewServer(sender, src),
	}
}

func (m *MemoryAccess) Query() *Query   { return m.query }
func (m *MemoryAccess) Server() *Server { return m.server }

func (m *MemoryAccess) SetSpatialFunction(fn SpatialFunc)           { m.server.SetSpatialFunction(fn) }
func (m *MemoryAccess) SetIsSeedKeyValidFunction(fn SeedKeyValidFunc) { m.server.SetSeedKeyValidFunction(fn) }
func (m *MemoryAccess) SetProceedFunction(fn ProceedFunc)           { m.server.SetProceedFunction(fn) }
func (m *MemoryAccess) SetSeedKeyAlgorithm(fn func(seed uint16) uint16) {
	m.query.SetSeedKeyAlgorithm(fn)
}
func (m *MemoryAccess) SetSeedGenerator(fn func() uint16) { m.server.SetSeedGenerator(fn) }

// Respond forwards to the server role's Server.Respond.
func (m *MemoryAccess) Respond(proceed bool, data []byte) error {
	return m.server.Respond(proceed, data)
}

// ResetQuery aborts any in-flight client-role transaction and returns the
// facade to idle, mirroring memory_access.py's reset_query.
func (m *MemoryAccess) ResetQuery() {
	m.query.state = queryIdle
}

// HandleDM14 multiplexes an inbound DM14 frame to the server role; client
// transactions never receive DM14 (they only send it).
func (m *MemoryAccess) HandleDM14(sourceAddress uint8, data []byte) {
	m.server.HandleDM14(sourceAddress, data)
}

// HandleDM15 multiplexes an inbound DM15 frame to whichever role is
// expecting it: a DM15 from the address our Query targeted goes to the
// client state machine, everything else is ignored (DM15 is never sent to
// a server in this simplified model; the server only emits it).
func (m *MemoryAccess) HandleDM15(sourceAddress uint8, data []byte) {
	m.query.HandleDM15(sourceAddress, data)
}

// HandleDM16 multiplexes an inbound DM16 frame: it answers either our own
// pending read (client role) or a peer's pending write (server role),
// exactly one of which will be in a state expecting it.
func (m *MemoryAccess) HandleDM16(sourceAddress uint8, data []byte) {
	m.query.HandleDM16(sourceAddress, data)
	m.server.HandleDM16(sourceAddress, data)
}

// own-PGN routing constants re-exported for the owning CA's dispatch table.
var (
	PGNDM14 = j1939.PGNDM14
	PGNDM15 = j1939.PGNDM15
	PGNDM16 = j1939.PGNDM16
)
