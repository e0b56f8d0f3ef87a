package controlplane

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type gzipBody struct {
	*gzip.Reader
	src io.Closer
}

func (g *gzipBody) Close() error {
	_ = g.Reader.Close()
	return g.src.Close()
}

func newGzipReader(r io.ReadCloser) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	return &gzipBody{Reader: zr, src: r}, nil
}

func newZstdReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open zstd stream: %w", err)
	}
	return dec.IOReadCloser(), nil
}
