package qcow

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// parseCompressedL2Entry extracts offset and byte size from a v2/v3
// compressed L2 entry.
//
// Compressed L2 entry format:
//
//	Bit  62:     Always 1 (compression flag)
//	Bits 0..x-1: Host byte offset of the stream (not cluster-aligned)
//	Bits x..61:  Additional 512-byte sectors occupied, minus one
//
// where x = 62 - (cluster_bits - 8). The stream runs from the byte
// offset to the end of the last occupied sector, so its byte length is
//
//	(sectors + 1) * 512 - (offset % 512)
//
// For default 64KB clusters (cluster_bits=16), x = 54: a 54-bit offset
// and up to 256 sectors (128KB) of compressed data.
func (img *Image) parseCompressedL2Entry(l2Entry uint64) (offset uint64, size uint64) {
	x := 62 - (img.clusterBits - 8)

	offset = l2Entry & ((uint64(1) << x) - 1)

	sectors := (l2Entry >> x) & ((uint64(1) << (img.clusterBits - 8)) - 1)
	size = (sectors+1)*SectorSize - (offset & (SectorSize - 1))

	return offset, size
}

// decompressCluster reads and inflates one compressed cluster into a
// fresh cluster-sized buffer. Output shorter than a cluster is
// zero-padded; QCOW writers routinely truncate the stream once the
// whole cluster is recoverable, so a premature end of the stream is not
// an error, whatever amount of output it produced.
func (img *Image) decompressCluster(info clusterInfo) ([]byte, error) {
	compressed := make([]byte, info.compressedSize)
	if err := readFull(img.src, compressed, int64(info.physOff)); err != nil {
		return nil, err
	}

	if img.header.CompressionType == CompressionZstd {
		return img.inflateZstd(compressed)
	}
	return img.inflateDeflate(compressed)
}

// inflateDeflate decodes a raw deflate stream (no zlib wrapper).
func (img *Image) inflateDeflate(compressed []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(compressed))
	defer reader.Close()

	decompressed := make([]byte, img.clusterSize)
	total := 0
	for total < int(img.clusterSize) {
		n, err := reader.Read(decompressed[total:])
		total += n
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: deflate stream at 0x%x: %v",
				ErrDecompressionFailed, total, err)
		}
	}

	clearBytes(decompressed[total:])
	return decompressed, nil
}

// inflateZstd decodes a zstd frame (v3 compression_type = 1).
func (img *Image) inflateZstd(compressed []byte) ([]byte, error) {
	reader, err := zstd.NewReader(bytes.NewReader(compressed), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	defer reader.Close()

	decompressed := make([]byte, img.clusterSize)
	total, err := io.ReadFull(reader, decompressed)
	if err != nil && err != io.EOF && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: zstd stream: %v", ErrDecompressionFailed, err)
	}

	clearBytes(decompressed[total:])
	return decompressed, nil
}
