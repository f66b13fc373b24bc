package nandftl

// DirtyBitmap is one bit per physical block: set means the block is
// erasable because its contents are logically discarded (§3).
type DirtyBitmap struct {
	bits []bool

	// cursor is the round-robin search position used by Fill. It is not
	// persisted (§9, Open Question 3): LowMount seeds it with the index of
	// the active (highest-ID) metadata block. The lowest meta-ID block's
	// index is not used.
	cursor int
}

func newDirtyBitmap(blockCount int) DirtyBitmap {
	return DirtyBitmap{
		bits: make([]bool, blockCount),
	}
}

// Get reports whether block is marked dirty.
func (d *DirtyBitmap) Get(block int) bool {
	if block < 0 || block >= len(d.bits) {
		return false
	}

	return d.bits[block]
}

// Set marks block dirty.
func (d *DirtyBitmap) Set(block int) {
	if block < 0 || block >= len(d.bits) {
		return
	}

	d.bits[block] = true
}

// Clear marks block clean (no longer erasable/available-for-reuse without
// being reserved first).
func (d *DirtyBitmap) Clear(block int) {
	if block < 0 || block >= len(d.bits) {
		return
	}

	d.bits[block] = false
}

// Len returns the bitmap's block count.
func (d *DirtyBitmap) Len() int {
	return len(d.bits)
}

// NextDirty does a round-robin scan starting just after the cursor and
// returns the next dirty block, advancing the cursor past it. Returns -1 if
// none found in a full pass.
func (d *DirtyBitmap) NextDirty() int {
	n := len(d.bits)
	for i := 1; i <= n; i++ {
		idx := (d.cursor + i) % n
		if d.bits[idx] {
			d.cursor = idx
			return idx
		}
	}

	return -1
}

// SetCursor seeds the round-robin position (used at mount time, per the
// design notes' heuristic).
func (d *DirtyBitmap) SetCursor(block int) {
	d.cursor = block
}

// Pack serializes the bitmap for the metadata image, one bit per block,
// little-endian within each byte.
func (d *DirtyBitmap) Pack() []byte {
	raw := make([]byte, (len(d.bits)+7)/8)

	for i, set := range d.bits {
		if set {
			raw[i/8] |= 1 << uint(i%8)
		}
	}

	return raw
}

// Unpack loads the bitmap from a packed byte slice of the same layout Pack
// produces.
func (d *DirtyBitmap) Unpack(raw []byte) {
	for i := range d.bits {
		byteIdx := i / 8
		if byteIdx >= len(raw) {
			d.bits[i] = false
			continue
		}

		d.bits[i] = raw[byteIdx]&(1<<uint(i%8)) != 0
	}
}
