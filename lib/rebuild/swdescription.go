package rebuild

import (
	"fmt"
	"regexp"
	"strings"
)

const minimalSWDescription = "software = {\n  version = \"k2rebuild\";\n  rootfs: file = \"rootfs\"; \n}\n"

var (
	rootfsShaRe  = regexp.MustCompile(`(rootfs_sha256\s*=\s*")[0-9a-f]*(")`)
	rootfsSizeRe = regexp.MustCompile(`(rootfs_size\s*=\s*")[0-9]*(")`)
)

// updateSWDescription rewrites the rootfs hash and size fields of an
// SWUpdate description, appending them when the vendor description never
// carried them.
func updateSWDescription(content, sha string, size int64) string {
	if strings.Contains(content, "rootfs_sha256") {
		content = rootfsShaRe.ReplaceAllString(content, "${1}"+sha+"${2}")
	} else {
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += fmt.Sprintf("rootfs_sha256=%q\n", sha)
	}
	if strings.Contains(content, "rootfs_size") {
		content = rootfsSizeRe.ReplaceAllString(content, fmt.Sprintf("${1}%d${2}", size))
	} else {
		content += fmt.Sprintf("rootfs_size=\"%d\"\n", size)
	}
	return content
}
