package handlers

import (
	"bytes"
	"io"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

const mebibyte = 1024 * 1024

// measureBlock is 1 MiB of the repeating 0x0066ccff pattern
var measureBlock = bytes.Repeat([]byte{0x00, 0x66, 0xcc, 0xff}, mebibyte/4)

// Measure streams :size MiB of filler so the control plane can measure
// bandwidth. The signature covers the request path.
func (h *Handler) Measure(c *fiber.Ctx) error {
	size, err := strconv.Atoi(c.Params("size"))
	if err != nil || size < 0 || size > h.measureMaxMB {
		return c.SendStatus(fiber.StatusBadRequest)
	}

	total := int64(size) * mebibyte
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Context().SetBodyStream(&patternReader{remaining: total}, int(total))
	return nil
}

// patternReader yields remaining bytes of measureBlock, repeated
type patternReader struct {
	remaining int64
	offset    int
}

func (r *patternReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}

	n := 0
	for n < len(p) {
		c := copy(p[n:], measureBlock[r.offset:])
		n += c
		r.offset = (r.offset + c) % len(measureBlock)
	}
	r.remaining -= int64(n)
	return n, nil
}
