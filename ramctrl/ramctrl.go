// Package ramctrl implements the nandftl.Controller interface entirely in
// RAM, for tests and CLI tools that need a NAND device without real media.
// It also lets a caller inject program, erase, and ECC failures on specific
// physical sectors/blocks to exercise the core's recovery paths.
package ramctrl

import (
	"github.com/dsoprea/go-logging"

	"github.com/nandftl/nandftl"
)

// block is one physical block's raw contents: one byte slice per sector for
// data, one for OOS, and an erased/not flag per sector.
type block struct {
	data    [][]byte
	oos     [][]byte
	written []bool
	erased  bool
}

// RAMController is an in-memory nandftl.Controller.
type RAMController struct {
	pd nandftl.PartitionDescriptor

	blocks []block

	// FailProgram, FailErase, and FailECC name physical blocks (or, for
	// FailECC, physical sectors) that should behave as a failing device the
	// next time they are touched. Each failure fires once, then clears
	// itself, matching the one-shot nature of the failures this core's
	// recovery paths are built to absorb.
	FailProgram map[int]bool
	FailErase   map[int]bool
	FailECC     map[int]nandftl.ECCResult

	opened bool
}

// New returns a RAMController sized per pd, with every block erased.
func New(pd nandftl.PartitionDescriptor) *RAMController {
	c := &RAMController{
		pd:          pd,
		blocks:      make([]block, pd.BlockCount),
		FailProgram: map[int]bool{},
		FailErase:   map[int]bool{},
		FailECC:     map[int]nandftl.ECCResult{},
	}

	for i := range c.blocks {
		c.resetBlock(i)
	}

	return c
}

func (c *RAMController) resetBlock(b int) {
	n := c.pd.SectorsPerBlock()

	c.blocks[b] = block{
		data:    make([][]byte, n),
		oos:     make([][]byte, n),
		written: make([]bool, n),
		erased:  true,
	}
}

// Open implements nandftl.Controller.
func (c *RAMController) Open(part nandftl.PartitionDescriptor) error {
	c.pd = part
	c.opened = true

	return nil
}

// Close implements nandftl.Controller.
func (c *RAMController) Close() error {
	c.opened = false

	return nil
}

// Setup implements nandftl.Controller. This simulator imposes no OOS
// negotiation of its own; the usable size is whatever the partition
// descriptor already declares.
func (c *RAMController) Setup(sectorSize int) (int, error) {
	return c.pd.SpareSize, nil
}

func (c *RAMController) split(physicalSector int) (block, offset int) {
	n := c.pd.SectorsPerBlock()
	return physicalSector / n, physicalSector % n
}

// SecRd implements nandftl.Controller.
func (c *RAMController) SecRd(dataBuf, oosBuf []byte, physicalSector int) (nandftl.ECCResult, error) {
	b, off := c.split(physicalSector)

	if result, found := c.FailECC[physicalSector]; found {
		delete(c.FailECC, physicalSector)
		return result, nil
	}

	blk := &c.blocks[b]

	if blk.written[off] == false {
		for i := range dataBuf {
			dataBuf[i] = 0xff
		}
		for i := range oosBuf {
			oosBuf[i] = 0xff
		}

		return nandftl.ECCOK, nil
	}

	copy(dataBuf, blk.data[off])
	copy(oosBuf, blk.oos[off])

	return nandftl.ECCOK, nil
}

// SecWr implements nandftl.Controller.
func (c *RAMController) SecWr(dataBuf, oosBuf []byte, physicalSector int) error {
	b, off := c.split(physicalSector)

	if c.FailProgram[b] {
		delete(c.FailProgram, b)
		return log.Errorf("simulated program failure at block %d", b)
	}

	blk := &c.blocks[b]

	blk.data[off] = append([]byte(nil), dataBuf...)
	blk.oos[off] = append([]byte(nil), oosBuf...)
	blk.written[off] = true
	blk.erased = false

	return nil
}

// BlkErase implements nandftl.Controller.
func (c *RAMController) BlkErase(physicalBlock int) error {
	if c.FailErase[physicalBlock] {
		delete(c.FailErase, physicalBlock)
		return log.Errorf("simulated erase failure at block %d", physicalBlock)
	}

	c.resetBlock(physicalBlock)

	return nil
}

// OOSRdRaw implements nandftl.Controller.
func (c *RAMController) OOSRdRaw(buf []byte, physicalSector, offsetInOOS, length int) error {
	b, off := c.split(physicalSector)
	blk := &c.blocks[b]

	if blk.written[off] == false {
		for i := range buf {
			buf[i] = 0xff
		}

		return nil
	}

	copy(buf, blk.oos[off][offsetInOOS:offsetInOOS+length])

	return nil
}

// SpareRdRaw implements nandftl.Controller. This simulator never marks a
// block factory-defective, so every spare byte reads as 0xff.
func (c *RAMController) SpareRdRaw(buf []byte, physicalSector, offsetInSpare, length int) error {
	for i := range buf {
		buf[i] = 0xff
	}

	return nil
}

// PartDataGet implements nandftl.Controller.
func (c *RAMController) PartDataGet() (nandftl.PartitionDescriptor, error) {
	return c.pd, nil
}
