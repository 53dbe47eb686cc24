package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"gopatch/block"
	"gopatch/hexdump"
	"gopatch/memory"
	"gopatch/memory/memory_map"
	"gopatch/peimage"
	"gopatch/process_blob"
	"gopatch/signature"
	"gopatch/xref"
)

var log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "sigscan"))

// target is whatever the scan runs against
type target struct {
	mem     memory.Memory
	regions []memory_map.MemoryMapItem
	module  *block.Module
	close   func() error
}

func main() {
	pidFlag := flag.Int("pid", 0, "Process ID to attach to")
	nameFlag := flag.String("name", "", "Process name to attach to")
	fileFlag := flag.String("file", "", "PE file to map and scan offline")
	dumpFlag := flag.String("dump", "", "Directory of a saved process dump")
	moduleFlag := flag.String("module", "", "Restrict the scan to a loaded module")
	sectionFlag := flag.String("section", "", "Restrict the scan to a section of the module (e.g. .text)")
	sigFlag := flag.String("sig", "", "Signature to scan for (e.g. '48 8B ?? ?? E8')")
	firstFlag := flag.Bool("first", false, "Stop at the first match")
	xrefFlag := flag.Bool("xref", false, "List references to each match")
	verifyFlag := flag.Bool("verify", false, "Keep only references that decode as call/jmp instructions")
	contextFlag := flag.Int("context", 16, "Bytes of context to dump around each match")
	flag.Parse()

	if *sigFlag == "" {
		fmt.Println("Error: --sig is required")
		flag.Usage()
		os.Exit(1)
	}

	sig, err := signature.Parse(*sigFlag)
	if err != nil {
		fmt.Printf("Error parsing signature: %v\n", err)
		os.Exit(1)
	}

	t, err := openTarget(*pidFlag, *nameFlag, *fileFlag, *dumpFlag, *moduleFlag)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer t.close()

	spans, scope, err := t.spans(*sectionFlag)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Scanning %d region(s) for: %s\n", len(spans), sig)

	var matches []memory.Address
	if *firstFlag {
		for _, span := range spans {
			addr, found, err := signature.Find(t.mem, span, sig, signature.WithLogger(log))
			if err != nil {
				log.Debugln("Skipping", span.String(), err)
				continue
			}
			if found {
				matches = append(matches, addr)
				break
			}
		}
	} else {
		matches, err = signature.FindAllParallel(t.mem, spans, sig, uint(runtime.NumCPU()), signature.WithLogger(log))
		if err != nil {
			fmt.Printf("Error scanning memory: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Found %d matches:\n", len(matches))

	names := t.names()
	context := memory.Size(*contextFlag)
	for _, match := range matches {
		fmt.Printf("Match at %s (%s):\n", match, names.BeautifyPointer(match))

		dump, err := hexdump.DumpContext(t.mem, match, sig, context, context)
		if err != nil {
			// context may cross into an unmapped page
			dump, err = hexdump.DumpContext(t.mem, match, sig, 0, 0)
		}
		if err == nil {
			fmt.Println(dump)
		}

		if *xrefFlag {
			printRefs(t, names, scope, match, *verifyFlag)
		}
	}
}

func printRefs(t *target, names memory.PointerNamer, scope []memory.Span, match memory.Address, verify bool) {
	ptrSize := t.pointerSize()
	opts := xref.Options{
		Kinds:       []xref.Kind{xref.AbsolutePointer, xref.RelativeCall, xref.RelativeJump},
		PointerSize: ptrSize,
	}

	total := 0
	for _, span := range scope {
		refs, err := xref.Find(t.mem, span, match, opts)
		if err != nil {
			log.Debugln("Reference scan failed on", span.String(), err)
			continue
		}
		if verify && len(refs) > 0 {
			if refs, err = xref.Verify(t.mem, span, refs, ptrSize); err != nil {
				log.Debugln("Verify failed on", span.String(), err)
				continue
			}
		}
		for _, ref := range refs {
			fmt.Printf("  xref %s\n", ref.Format(names))
		}
		total += len(refs)
	}

	if total == 0 {
		fmt.Println("  no references")
	}
}

func openTarget(pid int, name, file, dump, module string) (*target, error) {
	switch {
	case file != "":
		img, err := peimage.Open(file)
		if err != nil {
			return nil, err
		}
		m, err := block.ModuleFromAddress(img, img.Headers.ImageBase(), 0,
			block.WithName(filepath.Base(file)), block.WithAutoRevert(false))
		if err != nil {
			img.Close()
			return nil, err
		}
		log.Infoln("Mapped", file, "at", m.Span().String())
		return &target{mem: img, regions: img.MemoryMap(), module: m, close: img.Close}, nil

	case dump != "":
		d, err := process_blob.LoadDump(dump)
		if err != nil {
			return nil, err
		}
		log.Infoln("Loaded dump of", d.Metadata.Name, "pid", d.Metadata.PID, "with", len(d.MemoryMap), "regions")
		return withModule(&target{mem: d, regions: d.MemoryMap, close: func() error { return nil }}, module)

	case pid != 0 || name != "":
		if pid == 0 {
			found, err := findProcess(name)
			if err != nil {
				return nil, err
			}
			pid = int(found)
		}
		proc, err := getProcess(pid)
		if err != nil {
			return nil, fmt.Errorf("attaching to process %d: %w", pid, err)
		}
		regions, err := proc.GetMemoryMap()
		if err != nil {
			proc.Close()
			return nil, err
		}
		log.Infoln("Attached to process", pid)
		return withModule(&target{mem: proc, regions: regions, close: proc.Close}, module)
	}

	return nil, fmt.Errorf("one of --pid, --name, --file or --dump is required")
}

func withModule(t *target, name string) (*target, error) {
	if name == "" {
		return t, nil
	}
	m, err := block.ModuleFromLibrary(t.mem, name, block.WithAutoRevert(false))
	if err != nil {
		t.close()
		return nil, err
	}
	t.module = m
	return t, nil
}

// pointerSize follows the module headers, PE32 images use 4-byte pointers
func (t *target) pointerSize() int {
	if t.module != nil {
		return t.module.Engine().PointerSize()
	}
	return memory.PointerSize
}

// names resolves addresses to module.offset through the memory map and the
// scanned module
func (t *target) names() *memory.ModuleMap {
	names := memory.NewModuleMap(t.regions)
	if t.module != nil && t.module.IsLoaded() {
		names.Add(t.module.Name(), t.module.Span())
	}
	return names
}

// spans returns the ranges to scan for the signature and the ranges to scan
// for references to a match
func (t *target) spans(section string) ([]memory.Span, []memory.Span, error) {
	if t.module != nil {
		scope := []memory.Span{t.module.Span()}
		if section == "" {
			if text := t.module.GetEntrySection(); text != nil {
				scope = []memory.Span{text.Span()}
			}
			return []memory.Span{t.module.Span()}, scope, nil
		}
		s := t.module.SectionByName(section)
		if s == nil {
			return nil, nil, fmt.Errorf("section %s not found in %s", section, t.module.Name())
		}
		return []memory.Span{s.Span()}, []memory.Span{s.Span()}, nil
	}

	var spans, code []memory.Span
	for _, region := range t.regions {
		if !region.IsReadable() {
			continue
		}
		span := memory.NewSpan(memory.Address(region.Address), memory.Size(region.Size))
		spans = append(spans, span)
		if region.IsExecutable() {
			code = append(code, span)
		}
	}
	return spans, code, nil
}
