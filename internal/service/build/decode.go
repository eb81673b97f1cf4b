package build

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"forma/internal/compiler"
	"forma/internal/domain"
)

// binarySTLHeaderSize is the fixed STL preamble: an 80-byte comment block
// followed by a uint32 triangle count.
const binarySTLHeaderSize = 80 + 4

// binarySTLTriangleSize is 12 floats (normal + 3 vertices) plus a uint16
// attribute byte count.
const binarySTLTriangleSize = 12*4 + 2

// ArtifactSummary is what decoding extracts from a compiled binary: just
// enough for the turn content and the UI, never the geometry itself.
type ArtifactSummary struct {
	Format        compiler.OutputKind
	FileType      string
	ByteSize      int64
	TriangleCount uint32
}

// decodeArtifact validates the worker's output against its profile and
// produces a summary. Any inconsistency is a DecodeError: surfaced
// directly, never fed to the repair service.
func decodeArtifact(kind compiler.OutputKind, profile *compiler.OutputProfile, data []byte) (*ArtifactSummary, error) {
	if len(data) == 0 {
		return nil, domain.NewDecodeError("compiler returned an empty binary")
	}
	if profile.MaxOutputBytes > 0 && int64(len(data)) > profile.MaxOutputBytes {
		return nil, domain.NewDecodeError(fmt.Sprintf(
			"compiled output is %d bytes, exceeding the %d byte cap for %s",
			len(data), profile.MaxOutputBytes, kind))
	}
	if profile.MagicPrefix != "" && !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte(profile.MagicPrefix)) {
		return nil, domain.NewDecodeError(fmt.Sprintf("%s output missing expected prefix %q", kind, profile.MagicPrefix))
	}

	summary := &ArtifactSummary{
		Format:   kind,
		FileType: profile.FileType,
		ByteSize: int64(len(data)),
	}

	if kind == compiler.OutputSTL {
		count, err := decodeSTLTriangleCount(data)
		if err != nil {
			return nil, err
		}
		summary.TriangleCount = count
	}

	return summary, nil
}

// decodeSTLTriangleCount reads the triangle count from a binary STL and
// cross-checks it against the payload length. ASCII STL ("solid ...") is
// accepted without a count.
func decodeSTLTriangleCount(data []byte) (uint32, error) {
	if bytes.HasPrefix(data, []byte("solid")) && !looksBinary(data) {
		return 0, nil
	}
	if len(data) < binarySTLHeaderSize {
		return 0, domain.NewDecodeError(fmt.Sprintf(
			"binary STL truncated: %d bytes, need at least %d for the header", len(data), binarySTLHeaderSize))
	}

	count := binary.LittleEndian.Uint32(data[80:84])
	expected := int64(binarySTLHeaderSize) + int64(count)*binarySTLTriangleSize
	if int64(len(data)) != expected {
		return 0, domain.NewDecodeError(fmt.Sprintf(
			"binary STL inconsistent: header declares %d triangles (%d bytes) but payload is %d bytes",
			count, expected, len(data)))
	}
	return count, nil
}

// looksBinary distinguishes a binary STL whose comment block happens to
// start with "solid": a consistent triangle count wins over the prefix.
func looksBinary(data []byte) bool {
	if len(data) < binarySTLHeaderSize {
		return false
	}
	count := binary.LittleEndian.Uint32(data[80:84])
	return int64(len(data)) == int64(binarySTLHeaderSize)+int64(count)*binarySTLTriangleSize
}
