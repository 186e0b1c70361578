package objectstore

import (
	"fmt"
	"math/rand"
	"path"
	"strings"
	"time"
)

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// BuildKey derives a project-scoped object key for an artifact:
// {parentId}/{timestamp}-{randomSuffix}-{sanitizedName}.{ext}
// The extension is taken from name; pass ext to override (e.g. the compact
// format of a transcoded output).
func BuildKey(parentID, name, ext string) string {
	base := strings.TrimSuffix(name, path.Ext(name))
	if ext == "" {
		ext = strings.TrimPrefix(path.Ext(name), ".")
	}
	return fmt.Sprintf("%s/%d-%s-%s.%s",
		parentID, time.Now().UnixNano(), randSuffix(6), sanitizeName(base), ext)
}

func randSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixAlphabet[rand.Intn(len(suffixAlphabet))]
	}
	return string(b)
}

// sanitizeName keeps keys URL- and S3-safe: lowercase alphanumerics plus
// dashes, everything else collapsed to a single dash.
func sanitizeName(name string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}
