package process_blob

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"gopatch/memory"
	"gopatch/memory/memory_map"
)

const (
	metadataFile  = "metadata.json"
	memoryMapFile = "process_memory_map.json"
)

// DumpMetadata identifies the process a dump was taken from
type DumpMetadata struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

// ProcessDump is a memory backend over regions saved from a live process.
// Writes and protection changes apply to the loaded copy only.
type ProcessDump struct {
	mu        sync.Mutex
	Metadata  DumpMetadata
	MemoryMap []memory_map.MemoryMapItem
	Blobs     map[uint64][]byte // region address -> data
}

var _ memory.Memory = (*ProcessDump)(nil)

func NewProcessDump() *ProcessDump {
	return &ProcessDump{
		Blobs: make(map[uint64][]byte),
	}
}

func blobName(item memory_map.MemoryMapItem) string {
	return fmt.Sprintf("blob_0x%x_%d.bin", item.Address, item.Size)
}

// SaveDump writes every readable region of mm no larger than maxRegion to
// dirname. Regions that fail to read are left out of the blob set.
func SaveDump(dirname string, r memory.Reader, mm []memory_map.MemoryMapItem, meta DumpMetadata, maxRegion memory.Size) error {
	if err := os.MkdirAll(dirname, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dirname)
	}

	if err := writeJSON(filepath.Join(dirname, metadataFile), meta); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dirname, memoryMapFile), mm); err != nil {
		return err
	}

	for _, item := range mm {
		if !item.IsReadable() || (maxRegion != 0 && memory.Size(item.Size) > maxRegion) {
			continue
		}
		data, err := r.ReadMemory(memory.Address(item.Address), memory.Size(item.Size))
		if err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(dirname, blobName(item)), data, 0o644); err != nil {
			return errors.Wrapf(err, "write blob 0x%x", item.Address)
		}
	}

	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal %s", filepath.Base(path))
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", filepath.Base(path))
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", filepath.Base(path))
	}
	return errors.Wrapf(json.Unmarshal(data, v), "unmarshal %s", filepath.Base(path))
}

// LoadDump reads a dump written by SaveDump
func LoadDump(dirname string) (*ProcessDump, error) {
	p := NewProcessDump()

	if err := readJSON(filepath.Join(dirname, metadataFile), &p.Metadata); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dirname, memoryMapFile), &p.MemoryMap); err != nil {
		return nil, err
	}
	memory_map.Sort(p.MemoryMap)

	for _, item := range p.MemoryMap {
		data, err := os.ReadFile(filepath.Join(dirname, blobName(item)))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read blob 0x%x", item.Address)
		}
		p.Blobs[item.Address] = data
	}

	return p, nil
}

// region returns the saved bytes of the region holding addr
func (p *ProcessDump) region(addr memory.Address) (*memory_map.MemoryMapItem, []byte, error) {
	item := memory_map.FindRegion(uint64(addr), p.MemoryMap)
	if item == nil {
		return nil, nil, errors.Wrapf(memory.ErrInvalidMemory, "address not mapped: %s", addr)
	}
	data, ok := p.Blobs[item.Address]
	if !ok {
		return nil, nil, errors.Wrapf(memory.ErrInvalidMemory, "no data for region 0x%x", item.Address)
	}
	return item, data, nil
}

// ReadMemory reads from a single saved region
func (p *ProcessDump) ReadMemory(addr memory.Address, size memory.Size) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	item, data, err := p.region(addr)
	if err != nil {
		return nil, err
	}
	if !item.IsReadable() {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "region 0x%x not readable", item.Address)
	}

	offset := uint64(addr) - item.Address
	if offset+uint64(size) > uint64(len(data)) || offset+uint64(size) < offset {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "read %s+%d exceeds region data bounds", addr, size)
	}

	return append([]byte(nil), data[offset:offset+uint64(size)]...), nil
}

func (p *ProcessDump) WriteMemory(addr memory.Address, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	item, blob, err := p.region(addr)
	if err != nil {
		return err
	}
	if !item.IsWritable() {
		return errors.Wrapf(memory.ErrWriteProtect, "region 0x%x is %s", item.Address, item.Perms)
	}

	offset := uint64(addr) - item.Address
	if offset+uint64(len(data)) > uint64(len(blob)) {
		return errors.Wrapf(memory.ErrInvalidMemory, "write %s+%d exceeds region data bounds", addr, len(data))
	}

	copy(blob[offset:], data)
	return nil
}

func (p *ProcessDump) Query(addr memory.Address) (memory_map.MemoryMapItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := memory_map.FindRegion(uint64(addr), p.MemoryMap)
	if item == nil {
		return memory_map.MemoryMapItem{}, errors.Wrapf(memory.ErrInvalidMemory, "address not mapped: %s", addr)
	}
	return *item, nil
}

// Protect only accepts whole regions, the saved map has no page granularity
func (p *ProcessDump) Protect(addr memory.Address, size memory.Size, prot memory_map.Protection) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	end := uint64(addr) + uint64(size)
	for cur := uint64(addr); cur < end; {
		item := memory_map.FindRegion(cur, p.MemoryMap)
		if item == nil {
			return errors.Wrapf(memory.ErrInvalidMemory, "address not mapped: 0x%x", cur)
		}
		*item = item.WithProt(prot)
		cur = item.End()
	}
	return nil
}

func (p *ProcessDump) IsValidAddress(addr memory.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := memory_map.FindRegion(uint64(addr), p.MemoryMap)
	if item == nil || !item.IsReadable() {
		return false
	}
	_, ok := p.Blobs[item.Address]
	return ok
}

// FindModule locates a module by the file backing its regions. An empty name
// is the executable the dump was taken from.
func (p *ProcessDump) FindModule(name string) (memory.Span, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if name == "" {
		name = p.Metadata.Name
	}

	start, end, ok := memory_map.FindModule(name, p.MemoryMap)
	if !ok {
		return memory.Span{}, errors.Wrapf(memory.ErrModuleNotFound, "%s in dump of %s", name, p.Metadata.Name)
	}
	return memory.SpanFromBounds(memory.Address(start), memory.Address(end)), nil
}
