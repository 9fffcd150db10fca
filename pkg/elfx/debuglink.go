package elfx

import (
	"bytes"
)

// DebugLink returns the file name recorded in the .gnu_debuglink section,
// which designates the separate file holding the debug symbols.
func (f File) DebugLink() (string, bool) {
	s := f.Section(".gnu_debuglink")
	if s == nil {
		return "", false
	}

	data, err := s.Data()
	if err != nil {
		return "", false
	}

	end := bytes.IndexByte(data, 0)
	if end <= 0 {
		return "", false
	}
	return string(data[:end]), true
}
