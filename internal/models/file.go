package models

import (
	"sync/atomic"
)

// FileRecord is one distributable content item of the authoritative list
type FileRecord struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	URL  string `json:"url,omitempty"` // Optional origin override
}

// FileList is the authoritative file set returned by the control plane
type FileList struct {
	Files []FileRecord `json:"files"`
}

// TotalSize returns the sum of all file sizes
func (l FileList) TotalSize() int64 {
	var total int64
	for _, f := range l.Files {
		total += f.Size
	}
	return total
}

// FileIndex maps content hashes to the records the node is serving.
// Readers never block; Replace swaps the whole map.
type FileIndex struct {
	m atomic.Pointer[map[string]FileRecord]
}

// NewFileIndex creates an empty index
func NewFileIndex() *FileIndex {
	idx := &FileIndex{}
	empty := make(map[string]FileRecord)
	idx.m.Store(&empty)
	return idx
}

// Replace installs a new file set
func (i *FileIndex) Replace(files []FileRecord) {
	next := make(map[string]FileRecord, len(files))
	for _, f := range files {
		next[f.Hash] = f
	}
	i.m.Store(&next)
}

// Lookup returns the record for hash
func (i *FileIndex) Lookup(hash string) (FileRecord, bool) {
	f, ok := (*i.m.Load())[hash]
	return f, ok
}

// Len returns the number of indexed files
func (i *FileIndex) Len() int {
	return len(*i.m.Load())
}
