// protocol.go: wire message kinds and framing (component C)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import "encoding/binary"

// Message kinds, fixed numeric codes (spec.md 4.3.1, 6).
const (
	msgSyncRequest    uint32 = 0
	msgSyncAnswer     uint32 = 1
	msgConnectRequest uint32 = 10
	msgConnectAnswer  uint32 = 11
	msgConnectTerm    uint32 = 90
	msgData           uint32 = 0x10000000
	msgDataFragment   uint32 = 0x10000001
)

const protocolVersion uint32 = 1

const (
	msgHeaderSize       = 8  // version u32, kind u32
	connectMsgSize      = 12 // msgHeaderSize + pid u32
	fragmentHeaderExtra = 8  // total_length u32, fragment_offset u32
)

func writeMsgHeader(b []byte, kind uint32) {
	binary.LittleEndian.PutUint32(b[0:4], protocolVersion)
	binary.LittleEndian.PutUint32(b[4:8], kind)
}

func readMsgVersion(b []byte) uint32 { return binary.LittleEndian.Uint32(b[0:4]) }
func readMsgKind(b []byte) uint32    { return binary.LittleEndian.Uint32(b[4:8]) }

func writeConnectMsg(b []byte, kind uint32, pid uint32) {
	writeMsgHeader(b, kind)
	binary.LittleEndian.PutUint32(b[8:12], pid)
}

func readConnectPID(b []byte) uint32 { return binary.LittleEndian.Uint32(b[8:12]) }

func writeFragmentHeader(b []byte, kind uint32, totalLength, fragmentOffset uint32) {
	writeMsgHeader(b, kind)
	binary.LittleEndian.PutUint32(b[8:12], totalLength)
	binary.LittleEndian.PutUint32(b[12:16], fragmentOffset)
}

func readFragmentTotalLength(b []byte) uint32  { return binary.LittleEndian.Uint32(b[8:12]) }
func readFragmentOffset(b []byte) uint32       { return binary.LittleEndian.Uint32(b[12:16]) }

// chunkTableSize returns the byte length of the table prefix (spec.md
// 4.3.2): one u32 count followed by that many u32 sizes.
func chunkTableSize(numChunks int) int { return 4 + 4*numChunks }

func writeChunkTable(b []byte, sizes []int) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(sizes)))
	for i, s := range sizes {
		binary.LittleEndian.PutUint32(b[4+4*i:8+4*i], uint32(s))
	}
}

// readChunkTable parses the table at the start of b, returning the chunk
// sizes and the number of bytes the table itself occupied.
func readChunkTable(b []byte) (sizes []int, tableBytes int, err error) {
	if len(b) < 4 {
		return nil, 0, wrapf("readChunkTable", ErrProtocolError)
	}
	count := binary.LittleEndian.Uint32(b[0:4])
	need := 4 + 4*int(count)
	if len(b) < need {
		return nil, 0, wrapf("readChunkTable", ErrProtocolError)
	}
	sizes = make([]int, count)
	for i := range sizes {
		sizes[i] = int(binary.LittleEndian.Uint32(b[4+4*i : 8+4*i]))
	}
	return sizes, need, nil
}

// chunkCursor walks a sequence of application byte chunks (with a
// synthetic table chunk prepended) one byte-range at a time, without ever
// copying the chunks into one contiguous buffer. This is how SendData
// (connection.go) fills successive fragments directly from the caller's
// slices, matching the zero-copy intent of spec.md 4.3.5 step 2.
type chunkCursor struct {
	chunks [][]byte
	idx    int
	off    int
}

func newChunkCursor(table []byte, chunks [][]byte) *chunkCursor {
	all := make([][]byte, 0, len(chunks)+1)
	all = append(all, table)
	all = append(all, chunks...)
	return &chunkCursor{chunks: all}
}

func (c *chunkCursor) done() bool { return c.idx >= len(c.chunks) }

// fill copies up to len(dst) bytes from the cursor's current position,
// advancing across chunk boundaries, and returns the number copied.
func (c *chunkCursor) fill(dst []byte) int {
	n := 0
	for n < len(dst) && !c.done() {
		cur := c.chunks[c.idx]
		avail := cur[c.off:]
		k := copy(dst[n:], avail)
		n += k
		c.off += k
		if c.off >= len(cur) {
			c.idx++
			c.off = 0
		}
	}
	return n
}
