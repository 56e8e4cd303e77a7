package proxy

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/howeyc/crc16"
)

const (
	NumSlots = 16384
)

// SlotInfo assigns the slots start..end (inclusive) to one backend server
type SlotInfo struct {
	start  int
	end    int
	server string
}

func NewSlotInfo(start, end int, server string) (*SlotInfo, error) {
	if start < 0 || end >= NumSlots || start > end {
		return nil, fmt.Errorf("invalid slot range %d-%d", start, end)
	}
	if server == "" {
		return nil, fmt.Errorf("empty server for slot range %d-%d", start, end)
	}
	return &SlotInfo{start: start, end: end, server: server}, nil
}

// ParseSlotInfos parses "0-8191=host:port,8192-16383=host:port"
func ParseSlotInfos(s string) ([]*SlotInfo, error) {
	var infos []*SlotInfo
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid slot range %q (expected START-END=ADDR)", part)
		}
		bounds := strings.SplitN(kv[0], "-", 2)
		start, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid slot range %q: %w", part, err)
		}
		end := start
		if len(bounds) == 2 {
			if end, err = strconv.Atoi(strings.TrimSpace(bounds[1])); err != nil {
				return nil, fmt.Errorf("invalid slot range %q: %w", part, err)
			}
		}
		si, err := NewSlotInfo(start, end, strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, err
		}
		infos = append(infos, si)
	}
	return infos, nil
}

// EvenSlotInfos spreads all slots over servers in contiguous ranges
func EvenSlotInfos(servers []string) []*SlotInfo {
	infos := make([]*SlotInfo, 0, len(servers))
	for i, server := range servers {
		infos = append(infos, &SlotInfo{
			start:  i * NumSlots / len(servers),
			end:    (i+1)*NumSlots/len(servers) - 1,
			server: server,
		})
	}
	return infos
}

// SlotTable maps slots to backend servers. It stands in for the cluster topology
// layer: slots are configured statically and never reloaded.
type SlotTable struct {
	mu      sync.RWMutex
	servers []string
}

func NewSlotTable() *SlotTable {
	st := &SlotTable{
		servers: make([]string, NumSlots),
	}
	return st
}

func (st *SlotTable) SetSlotInfo(si *SlotInfo) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := si.start; i <= si.end; i++ {
		st.servers[i] = si.server
	}
}

// Get returns the server serving slot, empty if none does
func (st *SlotTable) Get(slot int) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.servers[slot]
}

// Servers lists the distinct servers of the table in slot order
func (st *SlotTable) Servers() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var servers []string
	seen := make(map[string]bool)
	for _, s := range st.servers {
		if s != "" && !seen[s] {
			seen[s] = true
			servers = append(servers, s)
		}
	}
	return servers
}

// Key2Slot hashes a key, only the part inside the first {...} counts if it is not empty
func Key2Slot(key []byte) int {
	if pos := bytes.IndexByte(key, '{'); pos != -1 {
		pos += 1
		if pos2 := bytes.IndexByte(key[pos:], '}'); pos2 > 0 {
			slot := crc16.ChecksumCCITT(key[pos:pos+pos2]) % NumSlots
			return int(slot)
		}
	}
	slot := crc16.ChecksumCCITT(key) % NumSlots
	return int(slot)
}
