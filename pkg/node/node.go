// Package node implements the Node Table: allocation of logical nodes
// hosted by this process, lookup by alias or by id, per-key enumeration
// cursors, and the alias mapping cache used to resolve peer nodes seen
// on the bus.
//
// Grounded on the teacher's pkg/node (BaseNode embedding the pieces a
// node needs -- here, an [alias.Login] instead of an SDO client) for
// the node struct shape, and pkg/network for the table/slice/lookup
// style (Network.controllers as a keyed collection with Connect/Add
// semantics), generalized from CANopen's static 1-126 node-id space to
// spec.md's dynamically-allocated slot table.
package node

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/openlcb-go/lcc"
	"github.com/openlcb-go/lcc/internal/pool"
	"github.com/openlcb-go/lcc/pkg/alias"
)

// Parameters is the immutable, manufacturer-supplied description of a
// node: SNIP identification strings, the protocol-support bitfield,
// and how many auto-generated producer/consumer events to create.
// Spec.md §3 calls this the node's "parameters pointer".
type Parameters struct {
	ManufacturerName string
	ModelName        string
	HardwareVersion  string
	SoftwareVersion  string
	UserName         string
	UserDescription  string

	ProtocolSupport uint64

	AutoProducerEvents uint16
	AutoConsumerEvents uint16
}

// RunState tracks the coarse lifecycle flags spec.md §3 lists on the
// node's state block, beyond the login FSM step (which lives in the
// embedded [alias.Login]).
type RunState struct {
	Permitted                      bool
	Initialized                    bool
	InitialEventsBroadcastComplete bool
	ResendDatagram                 bool
	FirmwareUpgradeActive          bool
	Reenumerate                    bool
}

// Node is one logical node hosted by this process: its identity, its
// login handshake, its event lists, and its run-state flags.
type Node struct {
	*alias.Login

	mu sync.Mutex

	id         lcc.NodeID
	parameters *Parameters

	producerEvents []lcc.EventID
	consumerEvents []lcc.EventID

	state               RunState
	lastReceivedDatagram *pool.Message
	timerTicks          uint32
}

// ID returns the node's immutable 48-bit id.
func (n *Node) ID() lcc.NodeID { return n.id }

// Parameters returns the node's immutable parameters record.
func (n *Node) Parameters() *Parameters { return n.parameters }

// State returns a copy of the node's current run-state flags.
func (n *Node) State() RunState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetState replaces the node's run-state flags.
func (n *Node) SetState(s RunState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

// LastReceivedDatagram returns the buffer kept for datagram-retry
// purposes, or nil.
func (n *Node) LastReceivedDatagram() *pool.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastReceivedDatagram
}

// SetLastReceivedDatagram stores (or clears, with nil) the retry
// buffer.
func (n *Node) SetLastReceivedDatagram(m *pool.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastReceivedDatagram = m
}

// ProducerEventCount, ProducerEventAt, ConsumerEventCount and
// ConsumerEventAt implement [alias.EventSource] so the login handshake
// can broadcast this node's auto-generated events once logged in.
func (n *Node) ProducerEventCount() int             { return len(n.producerEvents) }
func (n *Node) ProducerEventAt(i int) lcc.EventID    { return n.producerEvents[i] }
func (n *Node) ConsumerEventCount() int              { return len(n.consumerEvents) }
func (n *Node) ConsumerEventAt(i int) lcc.EventID    { return n.consumerEvents[i] }

// IsAddressedTo reports whether this node is the target of an
// addressed message carrying destAlias/destID, per spec.md §4.6's
// does_node_process_msg rule. A zero destID never matches (id 0 is
// never a real node id).
func (n *Node) IsAddressedTo(destAlias lcc.Alias, destID lcc.NodeID) bool {
	if destAlias != 0 && destAlias == n.Alias() {
		return true
	}
	if destID != 0 && destID == n.id {
		return true
	}
	return false
}

// cursor is one caller-keyed enumeration position, per spec.md §4.3's
// "each distinct key byte has its own cursor" requirement.
type cursor struct {
	next int
}

// Table allocates and indexes the nodes this process hosts.
type Table struct {
	logger *log.Entry

	mu      sync.Mutex
	nodes   []*Node
	cursors map[byte]*cursor

	mapping *MappingCache
}

// NewTable creates an empty node table with a mapping cache of the
// given capacity (see [MappingCache]).
func NewTable(mappingCapacity int) *Table {
	return &Table{
		logger:  log.WithField("component", "nodetable"),
		cursors: make(map[byte]*cursor),
		mapping: NewMappingCache(mappingCapacity),
	}
}

// seedFromID derives an initial PRNG seed from a node's 48-bit id, per
// spec.md §3 ("seed is initialized from the id").
func seedFromID(id lcc.NodeID) uint64 {
	return uint64(id) ^ 0xAAAA_AAAA_AAAA
}

// Allocate reserves a new node for id with the given parameters,
// auto-generating its producer/consumer event lists as
// (id<<16)|k, and wires a fresh login handshake bound to transmit.
func (t *Table) Allocate(id lcc.NodeID, params *Parameters, transmit alias.TransmitFunc) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := &Node{id: id, parameters: params}
	for k := uint16(0); k < params.AutoProducerEvents; k++ {
		n.producerEvents = append(n.producerEvents, lcc.NewEventFromNode(id, k))
	}
	for k := uint16(0); k < params.AutoConsumerEvents; k++ {
		n.consumerEvents = append(n.consumerEvents, lcc.NewEventFromNode(id, k))
	}
	n.Login = alias.New(id, seedFromID(id), transmit, n)
	n.Login.OnAliasAssigned(func(lcc.Alias, lcc.NodeID) {
		s := n.State()
		s.Initialized = true
		n.SetState(s)
	})

	t.nodes = append(t.nodes, n)
	t.logger.WithField("node_id", id).Info("node allocated")
	return n
}

// FindByAlias returns the hosted node currently holding alias, or nil.
func (t *Table) FindByAlias(a lcc.Alias) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.nodes {
		if n.Alias() == a {
			return n
		}
	}
	return nil
}

// FindByNodeID returns the hosted node with the given id, or nil.
func (t *Table) FindByNodeID(id lcc.NodeID) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.nodes {
		if n.id == id {
			return n
		}
	}
	return nil
}

// All returns every hosted node, in allocation order.
func (t *Table) All() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Node(nil), t.nodes...)
}

// GetFirst begins (or restarts) an enumeration under key and returns
// the first node, or nil if the table is empty.
func (t *Table) GetFirst(key byte) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &cursor{next: 1}
	t.cursors[key] = c
	if len(t.nodes) == 0 {
		return nil
	}
	return t.nodes[0]
}

// GetNext advances the enumeration under key and returns the next
// node, or nil once exhausted. Calling GetNext without a prior
// GetFirst starts the enumeration at, and returns, the first node.
func (t *Table) GetNext(key byte) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cursors[key]
	if !ok {
		c = &cursor{next: 0}
		t.cursors[key] = c
	}
	if c.next >= len(t.nodes) {
		return nil
	}
	n := t.nodes[c.next]
	c.next++
	return n
}

// Mapping returns the peer-alias mapping cache.
func (t *Table) Mapping() *MappingCache { return t.mapping }

// MappingEntry is one observed (node id, alias) pairing for a peer
// seen on the bus.
type MappingEntry struct {
	NodeID    lcc.NodeID
	Alias     lcc.Alias
	Duplicate bool
}

// MappingCache is a small bounded table of peer (node id, alias)
// pairs, evicting the oldest entry once full -- spec.md §3 only
// requires "a small table"; FIFO-oldest eviction is this
// implementation's resolution of that open sizing question, matching
// the bounded/no-dynamic-allocation discipline used everywhere else in
// this module.
type MappingCache struct {
	mu       sync.Mutex
	capacity int
	order    []lcc.Alias
	byAlias  map[lcc.Alias]*MappingEntry
}

// NewMappingCache creates a cache holding at most capacity entries.
func NewMappingCache(capacity int) *MappingCache {
	return &MappingCache{capacity: capacity, byAlias: make(map[lcc.Alias]*MappingEntry)}
}

// Insert records (or updates) a peer's alias mapping, evicting the
// oldest entry if the cache is full and this is a new alias. If alias
// was already known for a different node id, the entry is marked
// Duplicate so callers can surface an alias-conflict condition.
func (c *MappingCache) Insert(id lcc.NodeID, a lcc.Alias) *MappingEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byAlias[a]; ok {
		existing.Duplicate = existing.NodeID != id
		existing.NodeID = id
		return existing
	}

	if c.capacity > 0 && len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byAlias, oldest)
	}

	entry := &MappingEntry{NodeID: id, Alias: a}
	c.byAlias[a] = entry
	c.order = append(c.order, a)
	return entry
}

// Find looks up a peer by alias.
func (c *MappingCache) Find(a lcc.Alias) (*MappingEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byAlias[a]
	return e, ok
}

// FindByNodeID looks up a peer by its 48-bit id.
func (c *MappingCache) FindByNodeID(id lcc.NodeID) (*MappingEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.byAlias {
		if e.NodeID == id {
			return e, true
		}
	}
	return nil, false
}

// Clear removes a peer's mapping, e.g. on receipt of AMR.
func (c *MappingCache) Clear(a lcc.Alias) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byAlias[a]; !ok {
		return
	}
	delete(c.byAlias, a)
	for i, v := range c.order {
		if v == a {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries currently cached.
func (c *MappingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
