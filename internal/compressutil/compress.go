// Package compressutil implements the optional compression step of spec
// §4.1/§4.5: text-like extensions larger than 1 MiB are compressed before
// encryption; known-compressed media/archive types never are.
package compressutil

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/strongboxhq/strongbox/internal/apperror"
)

const compressibleSizeThreshold = 1 << 20 // 1 MiB

var textLikeExtensions = map[string]bool{
	".txt": true, ".log": true, ".csv": true, ".json": true, ".xml": true,
	".sql": true, ".html": true, ".css": true, ".js": true, ".py": true,
	".java": true, ".c": true, ".cpp": true,
}

// ShouldCompress decides the `compress` flag at session init time (spec
// §4.1): only for text-like extensions over compressibleSizeThreshold.
func ShouldCompress(fileName string, declaredSize int64) bool {
	if declaredSize <= compressibleSizeThreshold {
		return false
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	return textLikeExtensions[ext]
}

// Compress zstd-compresses data, grounded on backend/compress's use of
// klauspost/compress for its zstd handler.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, apperror.Wrap(apperror.StorageIO, err, "initializing compressor")
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, apperror.Wrap(apperror.StorageIO, err, "compressing payload")
	}
	if err := w.Close(); err != nil {
		return nil, apperror.Wrap(apperror.StorageIO, err, "finalizing compressed payload")
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperror.Wrap(apperror.IntegrityFailure, err, "initializing decompressor")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, apperror.Wrap(apperror.IntegrityFailure, err, "decompressing payload")
	}
	return out, nil
}
