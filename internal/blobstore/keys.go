package blobstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyTimeFormat is the compact UTC timestamp embedded in object keys.
const KeyTimeFormat = "20060102T150405Z"

const maxBasenameLen = 128

// SafeBasename strips directory components from a client-supplied filename and
// restricts it to [A-Za-z0-9._-]. Runs of other characters collapse to one underscore.
func SafeBasename(filename string) string {
	name := strings.ReplaceAll(filename, `\`, "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		name = ""
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxBasenameLen {
		out = out[len(out)-maxBasenameLen:]
	}
	if out == "" || out == "_" {
		out = "upload.csv"
	}
	return out
}

// UploadKey is uploads/{tenant}/{YYYYMMDDTHHMMSSZ}-{basename}. A non-empty
// suffix is inserted before the extension to break same-second collisions.
func UploadKey(tenantID uuid.UUID, at time.Time, basename, suffix string) string {
	name := basename
	if suffix != "" {
		ext := path.Ext(basename)
		name = strings.TrimSuffix(basename, ext) + "-" + suffix + ext
	}
	return fmt.Sprintf("uploads/%s/%s-%s", tenantID, at.UTC().Format(KeyTimeFormat), name)
}

// UploadKeyPrefix is the namespace every upload key for tenantID lives under.
func UploadKeyPrefix(tenantID string) string {
	return "uploads/" + tenantID + "/"
}

// ResultKey is predictions/{prediction_id}/output-{YYYYMMDDTHHMMSSZ}.csv.
func ResultKey(predictionID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("predictions/%s/output-%s.csv", predictionID, at.UTC().Format(KeyTimeFormat))
}

// ResultFilename is the download name offered for a prediction's artifact.
func ResultFilename(predictionID uuid.UUID) string {
	return fmt.Sprintf("prediction_results_%s.csv", predictionID)
}

// RandomSuffix returns 8 hex characters.
func RandomSuffix() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uuid.NewString()[:8]
	}
	return hex.EncodeToString(buf[:])
}
