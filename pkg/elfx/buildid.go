package elfx

import (
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"io"
)

const (
	// noteGNU is the owner name of GNU notes, NUL included.
	noteGNU = "GNU\x00"
	// ntGNUBuildID is the note type of GNU build-id notes.
	ntGNUBuildID = 3
	// noteHeaderSize is the size of namesz, descsz and type.
	noteHeaderSize = 12
)

// BuildID returns the GNU build-id of the file at path, in lowercase hex.
//
// The boolean is false when the file has no build-id note, or when the note
// is truncated. Only a missing file or a file that isn't ELF yields an error.
func BuildID(path string) (string, bool, error) {
	f, err := Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	id, ok := f.BuildID()
	return id, ok, nil
}

// BuildID looks for the GNU build-id note, first in the note sections, then in
// the note segments for files stripped of their section headers.
func (f File) BuildID() (string, bool) {
	for _, s := range f.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}

		data, err := s.Data()
		if err != nil {
			continue
		}

		if id, ok := gnuBuildID(data, f.ByteOrder); ok {
			return id, true
		}
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}

		data, err := io.ReadAll(p.Open())
		if err != nil {
			continue
		}

		if id, ok := gnuBuildID(data, f.ByteOrder); ok {
			return id, true
		}
	}

	return "", false
}

// gnuBuildID walks a sequence of ELF notes and returns the descriptor of the
// first GNU build-id note. Names and descriptors are padded to 4 bytes.
func gnuBuildID(data []byte, order binary.ByteOrder) (string, bool) {
	for len(data) >= noteHeaderSize {
		namesz := uint64(order.Uint32(data[0:4]))
		descsz := uint64(order.Uint32(data[4:8]))
		typ := order.Uint32(data[8:12])
		data = data[noteHeaderSize:]

		descStart := align4(namesz)
		descEnd := descStart + descsz
		if descEnd > uint64(len(data)) {
			return "", false
		}

		name := string(data[:namesz])
		desc := data[descStart:descEnd]
		if typ == ntGNUBuildID && name == noteGNU && len(desc) != 0 {
			return hex.EncodeToString(desc), true
		}

		next := align4(descEnd)
		if next > uint64(len(data)) {
			return "", false
		}
		data = data[next:]
	}
	return "", false
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}
