package nandftl

// Classifier answers block-class questions purely from the in-RAM metadata
// image (§4.2). It never touches the controller. The four predicates are
// mutually exclusive for any valid state; a block that satisfies none of
// them is a header block, the active metadata block, or is currently
// backing a logical data block.
type Classifier struct {
	s *DeviceState
}

// NewClassifier returns a Classifier bound to the given state.
func NewClassifier(s *DeviceState) *Classifier {
	return &Classifier{s: s}
}

// IsBad reports whether block is recorded in the bad-block table.
func (c *Classifier) IsBad(block int) bool {
	return c.s.BadBlks.Contains(block)
}

// IsDirty reports whether block's dirty bit is set (erasable, its contents
// logically discarded).
func (c *Classifier) IsDirty(block int) bool {
	return c.s.Dirty.Get(block)
}

// IsAvailable reports whether block currently occupies a slot in the
// available-block table.
func (c *Classifier) IsAvailable(block int) bool {
	return c.s.Avail.IndexOf(block) >= 0
}

// IsUpdate reports whether block backs one of the UB table's slots.
func (c *Classifier) IsUpdate(block int) bool {
	return c.s.UBs.SlotOfBlock(block) >= 0
}

// Consistent checks invariant 2 of §3: every block in at most one of the
// four classes. Device.checkConsistency calls it for every block at the end
// of LowMount and Sync (§8 testable property 3); it is also useful directly
// from tests.
func (c *Classifier) Consistent(block int) bool {
	count := 0

	if c.IsBad(block) {
		count++
	}

	if c.IsDirty(block) {
		count++
	}

	if c.IsAvailable(block) {
		count++
	}

	if c.IsUpdate(block) {
		count++
	}

	return count <= 1
}
