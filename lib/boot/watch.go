package boot

import (
	"context"
	"io"
	"os"
	"regexp"
	"time"
)

// bootBanners are the console patterns accepted as proof the kernel started.
var bootBanners = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Linux version`),
	regexp.MustCompile(`(?i)Booting Linux`),
	regexp.MustCompile(`(?i)Starting kernel`),
}

const pollInterval = 500 * time.Millisecond

// watchLog polls the growing log file, scanning only newly appended bytes
// for a boot banner. Returns true on the first match, false on timeout or
// context cancellation.
func watchLog(ctx context.Context, path string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			chunk, next := readFrom(path, offset)
			offset = next
			if matchesBanner(chunk) {
				return true
			}
		}
	}
}

// readFrom returns the bytes appended past offset and the new offset.
func readFrom(path string, offset int64) (string, int64) {
	f, err := os.Open(path)
	if err != nil {
		return "", offset
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", offset
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", offset
	}
	return string(data), offset + int64(len(data))
}

func matchesBanner(s string) bool {
	for _, re := range bootBanners {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func logContainsBanner(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return matchesBanner(string(data))
}
