// Command nvolctl is an inspector for an nvol sector pair: it reports
// sector/record counts and, with -v, per-bucket hash-distribution
// diagnostics. It is not a shell and has no commands that set or delete
// records; the original implementation's interactive command shell is out
// of scope. Opening the store does write to the file, though: a missing
// file is created, and the engine's Load runs its usual recovery, which can
// erase or promote sectors, compact into the other sector, and mark corrupt
// records INVALID.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/navaro-labs/nvol/flash"
	"github.com/navaro-labs/nvol/nvol"
)

func main() {
	var (
		path       = pflag.StringP("file", "f", "", "path to the sector-pair file")
		sectorSize = pflag.Uint32("sector-size", 32*1024, "size in bytes of each sector")
		recordSize = pflag.Uint32("record-size", 64, "fixed record size in bytes")
		keySize    = pflag.Int("key-size", 16, "key size in bytes")
		version    = pflag.Uint16("version", 1, "expected store version")
		verbose    = pflag.BoolP("verbose", "v", false, "print per-bucket chain-length diagnostics")
	)
	pflag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "nvolctl: -f/--file is required")
		os.Exit(2)
	}

	capacity := *sectorSize * 2
	dev, err := flash.OpenFileDevice(*path, capacity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nvolctl: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	e := nvol.New(nvol.Config{
		Name:        "nvolctl",
		SectorA:     0,
		SectorB:     *sectorSize,
		SectorSize:  *sectorSize,
		RecordSize:  *recordSize,
		KeySize:     *keySize,
		BucketCount: 64,
		Version:     *version,
		Logger:      logger,
	}, dev)

	if err := e.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "nvolctl: load: %v\n", err)
		os.Exit(1)
	}

	inuse, invalid, errs := e.Counts()
	fmt.Printf("inuse=%d invalid=%d errors=%d max_slots=%d\n", inuse, invalid, errs, e.MaxSlots())

	e.LogStatus(*verbose)
}
