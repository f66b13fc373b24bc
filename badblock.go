package nandftl

// BadBlockTable is the append-only list of physical blocks the core has
// marked bad, up to a partition-declared maximum (§3).
type BadBlockTable struct {
	entries []uint32
	max     int

	// Invalidated tracks whether the on-device image needs re-committing.
	Invalidated bool
}

func newBadBlockTable(max int) BadBlockTable {
	return BadBlockTable{
		entries: make([]uint32, 0, max),
		max:     max,
	}
}

// Contains reports whether block is already recorded.
func (t *BadBlockTable) Contains(block int) bool {
	return t.IndexOf(block) >= 0
}

// IndexOf returns the table index of block, or -1.
func (t *BadBlockTable) IndexOf(block int) int {
	for i, e := range t.entries {
		if int(e) == block {
			return i
		}
	}

	return -1
}

// Add appends block to the table. Fails with ErrDevFull once Max is
// reached, matching §4.6's "Bad-block marking: append to the bad-block
// table (fail if full)".
func (t *BadBlockTable) Add(block int) error {
	if t.Contains(block) {
		return nil
	}

	if len(t.entries) >= t.max {
		return newErr(ErrDevFull, "bad-block table is full")
	}

	t.entries = append(t.entries, uint32(block))
	t.Invalidated = true

	return nil
}

// Len returns the number of recorded bad blocks.
func (t *BadBlockTable) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the recorded bad-block indices.
func (t *BadBlockTable) Entries() []uint32 {
	out := make([]uint32, len(t.entries))
	copy(out, t.entries)

	return out
}

// Pack serializes the table as a fixed-capacity array of uint32 physical
// block indices, InvalidIndex-padded.
func (t *BadBlockTable) Pack() []byte {
	raw := make([]byte, t.max*4)

	for i := 0; i < t.max; i++ {
		v := InvalidIndex
		if i < len(t.entries) {
			v = t.entries[i]
		}

		defaultEncoding.PutUint32(raw[i*4:i*4+4], v)
	}

	return raw
}

// Unpack loads the table from a packed byte slice of the same layout Pack
// produces.
func (t *BadBlockTable) Unpack(raw []byte) {
	t.entries = t.entries[:0]

	for i := 0; i < t.max; i++ {
		off := i * 4
		if off+4 > len(raw) {
			break
		}

		v := defaultEncoding.Uint32(raw[off : off+4])
		if v != InvalidIndex {
			t.entries = append(t.entries, v)
		}
	}
}
