package elfx

import (
	"debug/elf"
	"fmt"

	"github.com/elwinar/bowkin"
)

// SymbolTable maps the names of the symbols defined in a dynamic symbol table
// to their value. It is built fresh for each file and never cached.
type SymbolTable struct {
	symbols map[string]uint64
}

// LoadDynamicSymbols parses the dynamic symbol table of the file at path.
//
// It fails with bowkin.ErrParse if the file isn't ELF or doesn't have a
// dynamic symbol table (static or stripped binaries), and with
// bowkin.ErrFileNotFound if the file doesn't exist.
func LoadDynamicSymbols(path string) (SymbolTable, error) {
	f, err := Open(path)
	if err != nil {
		return SymbolTable{}, err
	}
	defer f.Close()

	return f.DynamicSymbolTable()
}

// DynamicSymbolTable builds the SymbolTable of the file. Undefined symbols are
// imports, not definitions, and are left out. If a name appears more than
// once, the first occurrence wins.
func (f File) DynamicSymbolTable() (SymbolTable, error) {
	symbols, err := f.DynamicSymbols()
	if err != nil {
		return SymbolTable{}, fmt.Errorf("%s: reading dynamic symbols: %w (%s)", f.Path, bowkin.ErrParse, err)
	}

	t := SymbolTable{
		symbols: make(map[string]uint64, len(symbols)),
	}
	for _, s := range symbols {
		if s.Name == "" || s.Section == elf.SHN_UNDEF {
			continue
		}
		if _, ok := t.symbols[s.Name]; ok {
			continue
		}
		t.symbols[s.Name] = s.Value
	}
	return t, nil
}

// Lookup returns the value of the named symbol. The boolean is false when the
// symbol isn't defined in the table.
func (t SymbolTable) Lookup(name string) (uint64, bool) {
	v, ok := t.symbols[name]
	return v, ok
}

// Len returns the number of symbols in the table.
func (t SymbolTable) Len() int {
	return len(t.symbols)
}
