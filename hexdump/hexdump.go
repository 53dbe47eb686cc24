// Package hexdump renders memory around signature matches and patches, with
// matched bytes, wildcard bytes and patched bytes colored apart.
package hexdump

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/Moonlight-Companies/gologger/coloransi"

	"gopatch/memory"
	"gopatch/memory/memory_map"
	"gopatch/signature"
)

// Mark colors a signature match starting at Address
type Mark struct {
	Address   memory.Address
	Signature signature.Signature
}

// HexDumpOptions defines options for customizing the hexdump output
type HexDumpOptions struct {
	// BytesPerLine defines the number of bytes to display per line
	BytesPerLine int

	// GroupSize defines the grouping of bytes (usually 1, 2, 4, or 8)
	GroupSize int

	ShowASCII bool

	// Base is the address of the first byte, printed in the offset column
	Base memory.Address

	// OffsetWidth is the width of the offset column in hex digits
	OffsetWidth int

	OffsetColor       coloransi.ColorCode
	HexColor          coloransi.ColorCode
	ASCIIColor        coloransi.ColorCode
	NonPrintableColor coloransi.ColorCode
	ZeroColor         coloransi.ColorCode

	// Marks are signature matches to highlight; wildcard positions get WildcardColor
	Marks []Mark

	HighlightColor           coloransi.ColorCode
	HighlightBackgroundColor coloransi.ColorCode
	WildcardColor            coloransi.ColorCode

	// Patched ranges are drawn in PatchColor
	Patched    []memory.Span
	PatchColor coloransi.ColorCode

	// MaxLines is the maximum number of lines to show (0 for no limit)
	MaxLines int

	// ShowPointers previews the two qwords of each line that land in MemoryMap
	ShowPointers bool
	MemoryMap    []memory_map.MemoryMapItem
}

// DefaultOptions returns the default hexdump options
func DefaultOptions() HexDumpOptions {
	return HexDumpOptions{
		BytesPerLine:             16,
		GroupSize:                1,
		ShowASCII:                true,
		OffsetWidth:              12,
		OffsetColor:              coloransi.Cyan,
		HexColor:                 coloransi.Green,
		ASCIIColor:               coloransi.White,
		NonPrintableColor:        coloransi.BrightBlack,
		ZeroColor:                coloransi.BrightBlack,
		HighlightColor:           coloransi.Yellow,
		HighlightBackgroundColor: coloransi.Black,
		WildcardColor:            coloransi.Magenta,
		PatchColor:               coloransi.Red,
	}
}

type byteClass uint8

const (
	classPlain byteClass = iota
	classMatch
	classWildcard
	classPatched
)

func (o *HexDumpOptions) classify(addr memory.Address) byteClass {
	for _, span := range o.Patched {
		if span.Contains(addr) {
			return classPatched
		}
	}
	for _, m := range o.Marks {
		if addr < m.Address {
			continue
		}
		i := int(addr - m.Address)
		if i >= m.Signature.Len() {
			continue
		}
		if m.Signature.IsWildcard(i) {
			return classWildcard
		}
		return classMatch
	}
	return classPlain
}

func (o *HexDumpOptions) paint(class byteClass, base coloransi.ColorCode, text string) string {
	switch class {
	case classMatch:
		return coloransi.Color(o.HighlightColor, o.HighlightBackgroundColor, text)
	case classWildcard:
		return coloransi.Foreground(o.WildcardColor, text)
	case classPatched:
		return coloransi.Foreground(o.PatchColor, text)
	}
	return coloransi.Foreground(base, text)
}

// Dump creates a hex dump of the given data with specified options
func Dump(data []byte, options HexDumpOptions) string {
	var buffer bytes.Buffer
	DumpToWriter(&buffer, data, options)
	return buffer.String()
}

// DumpToWriter writes a hex dump of the given data to the specified writer
func DumpToWriter(writer io.Writer, data []byte, options HexDumpOptions) {
	if options.BytesPerLine <= 0 {
		options.BytesPerLine = 16
	}
	if options.GroupSize <= 0 {
		options.GroupSize = 1
	}
	if options.OffsetWidth <= 0 {
		options.OffsetWidth = 8
	}

	lineCount := 0
	for offset := 0; offset < len(data); offset += options.BytesPerLine {
		if options.MaxLines > 0 && lineCount >= options.MaxLines {
			fmt.Fprintf(writer, "... %d more bytes\n", len(data)-offset)
			break
		}

		end := offset + options.BytesPerLine
		if end > len(data) {
			end = len(data)
		}

		formatLine(writer, data[offset:end], options.Base.Add(int64(offset)), &options)
		lineCount++
	}
}

func formatLine(writer io.Writer, data []byte, addr memory.Address, options *HexDumpOptions) {
	offsetStr := fmt.Sprintf("%0"+strconv.Itoa(options.OffsetWidth)+"x", uint64(addr))
	fmt.Fprint(writer, coloransi.Foreground(options.OffsetColor, offsetStr), "  ")

	hexParts := formatHexValues(data, addr, options)

	// the mid-line divider only shows once the line reaches past half
	useSplit := options.BytesPerLine >= 8 && len(data) > options.BytesPerLine/2

	groupsPerLine := options.BytesPerLine / options.GroupSize
	if groupsPerLine == 0 {
		groupsPerLine = 1
	}
	leftGroups := groupsPerLine / 2
	if leftGroups > len(hexParts) {
		leftGroups = len(hexParts)
	}

	if useSplit && leftGroups > 0 && leftGroups < len(hexParts) {
		fmt.Fprint(writer, strings.Join(hexParts[:leftGroups], " "), " | ", strings.Join(hexParts[leftGroups:], " "))
	} else {
		fmt.Fprint(writer, strings.Join(hexParts, " "))
	}

	// keep the ASCII column aligned on a short last line
	if options.BytesPerLine > len(data) {
		fullGroups := (options.BytesPerLine + options.GroupSize - 1) / options.GroupSize
		curGroups := (len(data) + options.GroupSize - 1) / options.GroupSize
		missingBytes := options.BytesPerLine - len(data)
		deltaSpaces := (fullGroups - 1) - max(0, curGroups-1)

		// the divider widens one separator by two columns
		pipeFull, pipeCur := 0, 0
		if options.BytesPerLine >= 8 {
			pipeFull = 2
		}
		if useSplit {
			pipeCur = 2
		}

		if pad := missingBytes*2 + deltaSpaces + (pipeFull - pipeCur); pad > 0 {
			fmt.Fprint(writer, strings.Repeat(" ", pad))
		}
	}

	if options.ShowASCII {
		fmt.Fprint(writer, " | ")
		if useSplit {
			mid := options.BytesPerLine / 2
			formatASCII(writer, data[:mid], addr, options)
			fmt.Fprint(writer, " ")
			formatASCII(writer, data[mid:], addr.Add(int64(mid)), options)
		} else {
			formatASCII(writer, data, addr, options)
		}
	}

	if options.ShowPointers {
		for i := 0; i+8 <= len(data) && i < 16; i += 8 {
			ptr := binary.LittleEndian.Uint64(data[i : i+8])
			if memory_map.IsValidAddress(ptr, options.MemoryMap) {
				fmt.Fprint(writer, " ", coloransi.Foreground(coloransi.Yellow, fmt.Sprintf("0x%x", ptr)))
			}
		}
	}

	fmt.Fprintln(writer)
}

func formatASCII(writer io.Writer, data []byte, addr memory.Address, options *HexDumpOptions) {
	for i, b := range data {
		class := options.classify(addr.Add(int64(i)))
		c := rune(b)

		switch {
		case class != classPlain:
			text := "."
			if b != 0 && b < 0x80 && unicode.IsPrint(c) {
				text = string(c)
			}
			fmt.Fprint(writer, options.paint(class, options.ASCIIColor, text))
		case b == 0:
			fmt.Fprint(writer, coloransi.Foreground(options.ZeroColor, "."))
		case b >= 0x80 || !unicode.IsPrint(c):
			fmt.Fprint(writer, coloransi.Foreground(options.NonPrintableColor, "."))
		default:
			fmt.Fprint(writer, coloransi.Foreground(options.ASCIIColor, string(c)))
		}
	}
}

// formatHexValues renders the bytes of a line grouped by GroupSize
func formatHexValues(data []byte, addr memory.Address, options *HexDumpOptions) []string {
	var result []string
	var group strings.Builder

	for i, b := range data {
		color := options.HexColor
		if b == 0 {
			color = options.ZeroColor
		}

		group.WriteString(options.paint(options.classify(addr.Add(int64(i))), color, fmt.Sprintf("%02x", b)))

		if (i+1)%options.GroupSize == 0 || i == len(data)-1 {
			result = append(result, group.String())
			group.Reset()
		}
	}

	return result
}

// DumpBytes creates a simple hex dump with default options
func DumpBytes(data []byte) string {
	return Dump(data, DefaultOptions())
}

// DumpMatch dumps data read at base with the match of sig at addr highlighted
func DumpMatch(data []byte, base, addr memory.Address, sig signature.Signature) string {
	options := DefaultOptions()
	options.Base = base
	options.Marks = []Mark{{Address: addr, Signature: sig}}
	return Dump(data, options)
}

// DumpContext reads before bytes ahead of addr through the end of sig plus
// after bytes, and dumps them with the match highlighted
func DumpContext(r memory.Reader, addr memory.Address, sig signature.Signature, before, after memory.Size) (string, error) {
	start := addr.Add(-int64(before))
	size := before + memory.Size(sig.Len()) + after

	data, err := r.ReadMemory(start, size)
	if err != nil {
		return "", err
	}
	return DumpMatch(data, start, addr, sig), nil
}

// HexDump is a builder over HexDumpOptions
type HexDump struct {
	Options HexDumpOptions
}

func NewHexDump() *HexDump {
	return &HexDump{
		Options: DefaultOptions(),
	}
}

func (h *HexDump) SetBytesPerLine(value int) *HexDump {
	h.Options.BytesPerLine = value
	return h
}

func (h *HexDump) SetGroupSize(value int) *HexDump {
	h.Options.GroupSize = value
	return h
}

func (h *HexDump) SetBase(value memory.Address) *HexDump {
	h.Options.Base = value
	return h
}

func (h *HexDump) SetMaxLines(value int) *HexDump {
	h.Options.MaxLines = value
	return h
}

// Mark highlights a signature match at addr
func (h *HexDump) Mark(addr memory.Address, sig signature.Signature) *HexDump {
	h.Options.Marks = append(h.Options.Marks, Mark{Address: addr, Signature: sig})
	return h
}

// MarkPatched draws span in the patch color
func (h *HexDump) MarkPatched(span memory.Span) *HexDump {
	h.Options.Patched = append(h.Options.Patched, span)
	return h
}

// EnablePointerChecking previews qwords that point into memoryMap
func (h *HexDump) EnablePointerChecking(memoryMap []memory_map.MemoryMapItem) *HexDump {
	h.Options.ShowPointers = true
	h.Options.MemoryMap = memoryMap
	return h
}

func (h *HexDump) Dump(data []byte) string {
	return Dump(data, h.Options)
}

func (h *HexDump) DumpToWriter(writer io.Writer, data []byte) {
	DumpToWriter(writer, data, h.Options)
}
