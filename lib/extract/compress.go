package extract

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// decompress expands a zstd/lz4/xz stream from src into dst.
func decompress(codec, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	var reader io.Reader
	switch codec {
	case "zstd":
		dec, err := zstd.NewReader(in)
		if err != nil {
			return fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		reader = dec
	case "lz4":
		reader = lz4.NewReader(in)
	case "xz":
		r, err := xz.NewReader(in)
		if err != nil {
			return fmt.Errorf("xz reader: %w", err)
		}
		reader = r
	default:
		return fmt.Errorf("unsupported codec %q", codec)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, reader); err != nil {
		return fmt.Errorf("decompress stream: %w", err)
	}
	return out.Sync()
}
