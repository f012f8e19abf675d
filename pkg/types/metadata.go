package types

import (
	"bytes"
	"encoding/gob"
	"sort"
)

// Metadata is a string-keyed attribute map that encodes
// deterministically: gob's native map encoding follows iteration order,
// which would make two encodes of the same payload hash differently.
// GobEncode sorts the keys so a transaction's content address is stable.
type Metadata map[string]string

type metadataEntry struct {
	Key, Value string
}

func (m Metadata) GobEncode() ([]byte, error) {
	entries := make([]metadataEntry, 0, len(m))
	for k, v := range m {
		entries = append(entries, metadataEntry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Metadata) GobDecode(data []byte) error {
	var entries []metadataEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return err
	}
	out := make(Metadata, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	*m = out
	return nil
}
