package models

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters_SubtractKeepsLaterIncrements(t *testing.T) {
	var c Counters
	c.Add(3, 300)

	snap := c.Snapshot()
	c.Add(1, 50)
	c.Subtract(snap)

	assert.Equal(t, CounterSnapshot{Hits: 1, Bytes: 50}, c.Snapshot())
}

func TestCounters_Concurrent(t *testing.T) {
	var c Counters
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Add(1, 10)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, CounterSnapshot{Hits: 5000, Bytes: 50000}, c.Snapshot())
}

func TestFileIndex(t *testing.T) {
	idx := NewFileIndex()
	assert.Equal(t, 0, idx.Len())

	_, ok := idx.Lookup("h1")
	assert.False(t, ok)

	idx.Replace([]FileRecord{
		{Path: "/a", Hash: "h1", Size: 100},
		{Path: "/b", Hash: "h2", Size: 200},
	})
	assert.Equal(t, 2, idx.Len())

	f, ok := idx.Lookup("h2")
	require.True(t, ok)
	assert.Equal(t, int64(200), f.Size)

	idx.Replace(nil)
	assert.Equal(t, 0, idx.Len())
}

func TestFileList_TotalSize(t *testing.T) {
	l := FileList{Files: []FileRecord{{Size: 100}, {Size: 200}}}
	assert.Equal(t, int64(300), l.TotalSize())
}

func TestCertPair_WriteFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ssl")
	pair := CertPair{Cert: "CERT", Key: "KEY"}

	certFile, keyFile, err := pair.WriteFiles(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(certFile)
	require.NoError(t, err)
	assert.Equal(t, "CERT", string(data))

	data, err = os.ReadFile(keyFile)
	require.NoError(t, err)
	assert.Equal(t, "KEY", string(data))

	_, _, err = (&CertPair{Cert: "CERT"}).WriteFiles(dir)
	assert.Error(t, err)
}
