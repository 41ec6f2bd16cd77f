package bussun

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Entry is one line in /proc/pid/maps
type Entry struct {
	StartAddress uint64
	EndAddress   uint64
	Privilege    string
	PaddingSize  uint64
	Path         string
}

// Size is the length of the mapping in bytes.
func (e Entry) Size() uint64 {
	return e.EndAddress - e.StartAddress
}

// ReadMaps parse /proc/[pid]/maps and return a list of entry
// The format of /proc/[pid]/maps can be found in `man proc`.
func ReadMaps(pid int) ([]Entry, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	return ParseMaps(string(data))
}

// ParseMaps parses the text of a maps file.
func ParseMaps(data string) ([]Entry, error) {
	var entries []Entry
	for _, line := range strings.Split(data, "\n") {
		sections := strings.Fields(line)
		if len(sections) < 3 {
			continue
		}

		var path string
		if len(sections) > 5 {
			path = sections[len(sections)-1]
		}

		addresses := strings.Split(sections[0], "-")
		if len(addresses) != 2 {
			return nil, fmt.Errorf("bad address range %q", sections[0])
		}
		startAddress, err := strconv.ParseUint(addresses[0], 16, 64)
		if err != nil {
			return nil, err
		}
		endAddress, err := strconv.ParseUint(addresses[1], 16, 64)
		if err != nil {
			return nil, err
		}

		paddingSize, err := strconv.ParseUint(sections[2], 16, 64)
		if err != nil {
			return nil, err
		}

		entries = append(entries, Entry{
			StartAddress: startAddress,
			EndAddress:   endAddress,
			Privilege:    sections[1],
			PaddingSize:  paddingSize,
			Path:         path,
		})
	}

	return entries, nil
}

// FindMapping returns the first writable entry whose path contains match and
// which is at least size bytes long. Emulators map guest RAM as a shared
// memory file, so the path is the easiest thing to look for.
func FindMapping(entries []Entry, match string, size uint64) (*Entry, error) {
	for i := range entries {
		e := entries[i]
		if !strings.Contains(e.Path, match) || !strings.Contains(e.Privilege, "w") {
			continue
		}
		if e.Size() >= size {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("no writable mapping of %#x bytes matching %q", size, match)
}
