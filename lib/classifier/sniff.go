package classifier

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Magic numbers for the formats the cascade knows how to unpack. The
// compression magics follow the kernel's own decompressor table.
var (
	magicSquashfsLE = []byte("hsqs")
	magicSquashfsBE = []byte("sqsh")
	magicCpioNewc   = []byte("070701")
	magicCpioCRC    = []byte("070702")
	magicCpioOdc    = []byte("070707")
	magicZstd       = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4        = []byte{0x04, 0x22, 0x4d, 0x18}
	magicXZ         = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// ext4SuperblockMagicOffset is where the 0xEF53 little-endian magic lives:
// superblock at 1024, magic field at +56.
const ext4SuperblockMagicOffset = 1080

// Sniff identifies the container format of the file at path by magic bytes.
// For KindCompressed the second return names the codec (zstd, lz4 or xz).
func Sniff(path string) (Kind, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return KindUnrecognized, "", fmt.Errorf("open for sniff: %w", err)
	}
	defer f.Close()

	head := make([]byte, 8)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return KindUnrecognized, "", fmt.Errorf("read header: %w", err)
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, magicSquashfsLE), bytes.HasPrefix(head, magicSquashfsBE):
		return KindSquashfs, "", nil
	case bytes.HasPrefix(head, magicCpioNewc), bytes.HasPrefix(head, magicCpioCRC), bytes.HasPrefix(head, magicCpioOdc):
		return KindCpio, "", nil
	case bytes.HasPrefix(head, magicZstd):
		return KindCompressed, "zstd", nil
	case bytes.HasPrefix(head, magicLZ4):
		return KindCompressed, "lz4", nil
	case bytes.HasPrefix(head, magicXZ):
		return KindCompressed, "xz", nil
	}

	ext := make([]byte, 2)
	if _, err := f.ReadAt(ext, ext4SuperblockMagicOffset); err == nil {
		if ext[0] == 0x53 && ext[1] == 0xef {
			return KindExt4, "", nil
		}
	}

	return KindUnrecognized, "", nil
}
