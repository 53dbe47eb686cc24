package main

import (
	"flag"
	"fmt"
	"os"

	"gopatch/memory"
	"gopatch/process_blob"
)

func main() {
	pidFlag := flag.Int("pid", 0, "Process ID to attach to")
	nameFlag := flag.String("name", "", "Process name to attach to")
	outputFlag := flag.String("output", "", "Output directory for the dump")
	allFlag := flag.Bool("all", false, "Save all readable regions regardless of size")
	maxFlag := flag.Uint("max", 64<<20, "Largest region to save in bytes")
	flag.Parse()

	if *pidFlag == 0 && *nameFlag == "" {
		fmt.Println("Error: --pid or --name is required")
		flag.Usage()
		os.Exit(1)
	}

	if *outputFlag == "" {
		fmt.Println("Error: --output is required")
		flag.Usage()
		os.Exit(1)
	}

	pid := *pidFlag
	if pid == 0 {
		found, err := findProcess(*nameFlag)
		if err != nil {
			fmt.Printf("Error finding process %s: %v\n", *nameFlag, err)
			os.Exit(1)
		}
		pid = int(found)
	}

	proc, err := getProcess(pid)
	if err != nil {
		fmt.Printf("Error attaching to process %d: %v\n", pid, err)
		os.Exit(1)
	}
	defer proc.Close()

	fmt.Printf("Attached to process %d\n", pid)

	mm, err := proc.GetMemoryMap()
	if err != nil {
		fmt.Printf("Error reading memory map: %v\n", err)
		os.Exit(1)
	}

	maxRegion := memory.Size(*maxFlag)
	if *allFlag {
		maxRegion = 0
	}

	meta := process_blob.DumpMetadata{PID: pid, Name: processName(pid)}

	fmt.Printf("Saving %d regions to %s...\n", len(mm), *outputFlag)
	if err := process_blob.SaveDump(*outputFlag, proc, mm, meta, maxRegion); err != nil {
		fmt.Printf("Error saving dump: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Dump saved successfully.")
}
