package peimage

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	saferwall "github.com/saferwall/pe"

	"gopatch/memory"
	"gopatch/memory/memory_map"
	"gopatch/process_blob"
)

// Image is a PE file laid out the way the loader maps it, at its preferred
// base, inside an anonymous mapping. It is an address space of its own, so
// signatures, references and patches work on it offline.
type Image struct {
	*process_blob.ProcessBlob
	Headers *Headers
	buf     mmap.MMap
}

// Open maps the PE file at path
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()

	view, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "map %s", path)
	}
	defer view.Unmap()

	return MapFile(view)
}

// MapFile copies the headers and every section of a PE file into a fresh
// SizeOfImage buffer. Section pages get the protection their
// characteristics ask for; the header page is read-only.
func MapFile(data []byte) (*Image, error) {
	file, err := saferwall.NewBytes(data, &saferwall.Options{})
	if err != nil {
		return nil, errors.Wrap(memory.ErrInvalidImage, err.Error())
	}
	if err := file.Parse(); err != nil {
		return nil, errors.Wrap(memory.ErrInvalidImage, err.Error())
	}

	var imageBase uint64
	var sizeOfImage, sizeOfHeaders uint32
	switch oh := file.NtHeader.OptionalHeader.(type) {
	case saferwall.ImageOptionalHeader64:
		imageBase, sizeOfImage, sizeOfHeaders = oh.ImageBase, oh.SizeOfImage, oh.SizeOfHeaders
	case *saferwall.ImageOptionalHeader64:
		imageBase, sizeOfImage, sizeOfHeaders = oh.ImageBase, oh.SizeOfImage, oh.SizeOfHeaders
	case saferwall.ImageOptionalHeader32:
		imageBase, sizeOfImage, sizeOfHeaders = uint64(oh.ImageBase), oh.SizeOfImage, oh.SizeOfHeaders
	case *saferwall.ImageOptionalHeader32:
		imageBase, sizeOfImage, sizeOfHeaders = uint64(oh.ImageBase), oh.SizeOfImage, oh.SizeOfHeaders
	default:
		return nil, errors.Wrap(memory.ErrInvalidImage, "no optional header")
	}
	if sizeOfImage == 0 || uint64(sizeOfHeaders) > uint64(len(data)) || sizeOfHeaders > sizeOfImage {
		return nil, errors.Wrapf(memory.ErrInvalidImage, "size of image 0x%X, headers 0x%X", sizeOfImage, sizeOfHeaders)
	}

	buf, err := mmap.MapRegion(nil, int(sizeOfImage), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrap(err, "allocate image")
	}

	copy(buf, data[:sizeOfHeaders])

	base := memory.Address(imageBase)
	opts := []process_blob.Option{
		process_blob.WithProt(memory_map.ProtRead),
	}

	for _, section := range file.Sections {
		sh := section.Header
		if uint64(sh.VirtualAddress) >= uint64(sizeOfImage) {
			buf.Unmap()
			return nil, errors.Wrapf(memory.ErrInvalidImage, "section at 0x%X outside image", sh.VirtualAddress)
		}

		raw := uint64(sh.SizeOfRawData)
		if sh.VirtualSize != 0 && uint64(sh.VirtualSize) < raw {
			raw = uint64(sh.VirtualSize)
		}
		if end := uint64(sh.PointerToRawData) + raw; end > uint64(len(data)) {
			raw = 0
			if uint64(sh.PointerToRawData) < uint64(len(data)) {
				raw = uint64(len(data)) - uint64(sh.PointerToRawData)
			}
		}
		if raw > 0 {
			copy(buf[sh.VirtualAddress:], data[sh.PointerToRawData:uint64(sh.PointerToRawData)+raw])
		}

		size := sh.VirtualSize
		if size == 0 {
			size = sh.SizeOfRawData
		}
		opts = append(opts, process_blob.WithRegion(base+memory.Address(sh.VirtualAddress), memory.Size(size), sectionProt(sh.Characteristics)))
	}

	img := &Image{
		ProcessBlob: process_blob.NewProcessBlob(base, buf, opts...),
		buf:         buf,
	}

	img.Headers, err = Parse(img, base)
	if err != nil {
		buf.Unmap()
		return nil, err
	}

	return img, nil
}

// Close releases the image buffer; the Image must not be used afterwards
func (img *Image) Close() error {
	return img.buf.Unmap()
}

func sectionProt(characteristics uint32) memory_map.Protection {
	var prot memory_map.Protection
	if characteristics&SectionRead != 0 {
		prot |= memory_map.ProtRead
	}
	if characteristics&SectionWrite != 0 {
		prot |= memory_map.ProtWrite
	}
	if characteristics&SectionExecute != 0 {
		prot |= memory_map.ProtExec
	}
	return prot
}
