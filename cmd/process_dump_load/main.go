package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopatch/hexdump"
	"gopatch/memory"
	"gopatch/process_blob"
	"gopatch/signature"
)

func main() {
	fromFlag := flag.String("from", "", "Directory containing the dump")
	addrFlag := flag.String("addr", "", "Address to read from (hex)")
	sizeFlag := flag.Int("size", 256, "Number of bytes to hexdump")
	sigFlag := flag.String("sig", "", "Highlight this signature in the dumped range")
	moduleFlag := flag.String("module", "", "Print the address range of a module")
	flag.Parse()

	if *fromFlag == "" {
		fmt.Println("Error: --from is required")
		flag.Usage()
		os.Exit(1)
	}

	dump, err := process_blob.LoadDump(*fromFlag)
	if err != nil {
		fmt.Printf("Error loading dump from %s: %v\n", *fromFlag, err)
		os.Exit(1)
	}

	fmt.Printf("Loaded dump from %s\n", *fromFlag)
	fmt.Printf("Process Name: %s\n", dump.Metadata.Name)
	fmt.Printf("PID: %d\n", dump.Metadata.PID)
	fmt.Printf("Memory Regions: %d (%d saved)\n", len(dump.MemoryMap), len(dump.Blobs))

	if *moduleFlag != "" {
		span, err := dump.FindModule(*moduleFlag)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Module %s: %s\n", *moduleFlag, span)
	}

	if *addrFlag == "" {
		if *moduleFlag != "" {
			return
		}
		fmt.Println("\nMemory Map:")
		for _, region := range dump.MemoryMap {
			fmt.Printf("  %016x - %016x (%s) %d bytes %s\n",
				region.Address, region.End(), region.Perms, region.Size, region.Path)
		}
		return
	}

	addrVal, err := strconv.ParseUint(strings.TrimPrefix(*addrFlag, "0x"), 16, 64)
	if err != nil {
		fmt.Printf("Error parsing address: %v\n", err)
		os.Exit(1)
	}
	addr := memory.Address(addrVal)

	data, err := dump.ReadMemory(addr, memory.Size(*sizeFlag))
	if err != nil {
		fmt.Printf("Error reading memory at %s: %v\n", addr, err)
		os.Exit(1)
	}

	hd := hexdump.NewHexDump().SetBase(addr).EnablePointerChecking(dump.MemoryMap)

	if *sigFlag != "" {
		sig, err := signature.Parse(*sigFlag)
		if err != nil {
			fmt.Printf("Error parsing signature: %v\n", err)
			os.Exit(1)
		}
		for _, at := range signature.IndexAll(data, sig) {
			match := addr.Add(int64(at))
			hd.Mark(match, sig)
			fmt.Printf("Match at %s\n", match)
		}
	}

	fmt.Printf("\nHexdump at %s (%d bytes):\n", addr, len(data))
	fmt.Println(hd.Dump(data))
}
