package bussun

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Symbol is one entry of a symbol map.
type Symbol struct {
	Name string
	Addr uint32
}

// ReadSymbolMap parses "name=0xADDR" lines. Each symbol whose name changes
// when filtered is kept under both names: the filter drops '<' and '>', and
// drops '@' unless the name starts with it.
func ReadSymbolMap(r io.Reader) (map[string]uint32, error) {
	symbols := make(map[string]uint32)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		name, addr, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: missing '='", lineNo)
		}
		value, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(addr), "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%v line %d: bad address %q", err, lineNo, addr)
		}

		filtered := FilterSymbolName(name)
		if filtered != name {
			symbols[filtered] = uint32(value)
		}
		symbols[name] = uint32(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return symbols, nil
}

// FilterSymbolName strips characters the linker script can't take.
func FilterSymbolName(name string) string {
	filtered := name
	if !strings.HasPrefix(name, "@") {
		filtered = strings.ReplaceAll(filtered, "@", "")
	}
	filtered = strings.ReplaceAll(filtered, "<", "")
	return strings.ReplaceAll(filtered, ">", "")
}

// SortedSymbols orders a symbol map by address, then name.
func SortedSymbols(symbols map[string]uint32) []Symbol {
	list := make([]Symbol, 0, len(symbols))
	for name, addr := range symbols {
		list = append(list, Symbol{Name: name, Addr: addr})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Addr != list[j].Addr {
			return list[i].Addr < list[j].Addr
		}
		return list[i].Name < list[j].Name
	})
	return list
}

// WriteSymbolMap writes symbols sorted by address as "name=0xADDR".
func WriteSymbolMap(w io.Writer, symbols map[string]uint32) error {
	bw := bufio.NewWriter(w)
	for _, s := range SortedSymbols(symbols) {
		fmt.Fprintf(bw, "%s=0x%08X\n", s.Name, s.Addr)
	}
	return bw.Flush()
}
