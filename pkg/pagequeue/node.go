// ABOUTME: On-disk queue node layout for the free-page queue
// ABOUTME: Big-endian 16-byte header followed by delta-encoded page ids

package pagequeue

import (
	"encoding/binary"
)

const (
	NODE_NEXT_ID  = 0  // next node id (big-endian)
	NODE_FIRST_ID = 8  // first page id, seed for deltas (big-endian)
	NODE_START    = 16 // payload start
)

// QNode is a single queue node image, exactly one page long. The payload
// after the header is a run of unsigned LEB128 deltas; a zero first byte
// terminates the run. The header fields are big-endian, so the first byte
// of a node is almost always zero. Another structure that mistakes a queue
// node for its own page trips over that byte immediately.
type QNode []byte

// nextNodeID returns the id of the next node in the chain.
func (n QNode) nextNodeID() uint64 {
	return binary.BigEndian.Uint64(n[NODE_NEXT_ID:])
}

// setNextNodeID links this node to the next one.
func (n QNode) setNextNodeID(id uint64) {
	binary.BigEndian.PutUint64(n[NODE_NEXT_ID:], id)
}

// firstPageID returns the delta seed.
func (n QNode) firstPageID() uint64 {
	return binary.BigEndian.Uint64(n[NODE_FIRST_ID:])
}

// setFirstPageID sets the delta seed.
func (n QNode) setFirstPageID(id uint64) {
	binary.BigEndian.PutUint64(n[NODE_FIRST_ID:], id)
}

// decodeDelta reads one payload delta at off. A zero delta, a truncated
// varint, or an overlong varint all terminate the scan. Returns the delta
// and the offset just past it; delta 0 means the node is exhausted.
func (n QNode) decodeDelta(off int) (uint64, int) {
	if off >= len(n) {
		return 0, off
	}
	delta, sz := binary.Uvarint(n[off:])
	if sz <= 0 {
		return 0, off
	}
	return delta, off + sz
}
