package main

import (
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/nandftl/nandftl"
	"github.com/nandftl/nandftl/ramctrl"
)

type rootParameters struct {
	PageSize      int `short:"p" long:"page-size" description:"Bytes per page/sector" default:"2048"`
	PagesPerBlock int `short:"b" long:"pages-per-block" description:"Pages per block" default:"64"`
	BlockCount    int `short:"c" long:"block-count" description:"Total physical blocks" default:"256"`
	SpareSize     int `short:"s" long:"spare-size" description:"Bytes of OOS per page" default:"64"`
	ECCStrength   int `short:"e" long:"ecc-strength" description:"ECC strength in bits" default:"4"`
	WriteSectors  int `short:"w" long:"write-sectors" description:"Number of logical sectors to exercise before dumping" default:"16"`
}

var rootArguments = new(rootParameters)

// nandftl-dump formats, mounts, writes a handful of logical sectors to
// exercise the update-block engine, then prints the resulting table state.
func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	pd := nandftl.PartitionDescriptor{
		PageSize:         rootArguments.PageSize,
		PagesPerBlock:    rootArguments.PagesPerBlock,
		BlockCount:       rootArguments.BlockCount,
		ProgramsPerPage:  1,
		SpareSize:        rootArguments.SpareSize,
		MaxBadBlockCount: rootArguments.BlockCount / 10,
		ECCStrength:      rootArguments.ECCStrength,
	}

	ctrl := ramctrl.New(pd)

	d, err := nandftl.NewDevice(ctrl, nandftl.DefaultConfig())
	log.PanicIf(err)

	err = d.LowFormat()
	log.PanicIf(err)

	buf := make([]byte, pd.PageSize)
	for i := range buf {
		buf[i] = byte(i)
	}

	for i := 0; i < rootArguments.WriteSectors; i++ {
		err = d.Write(i, 1, buf)
		log.PanicIf(err)
	}

	err = d.Sync()
	log.PanicIf(err)

	d.Dump().Dump()
}
