package replicate

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// OutputFilename names a result for display and download, e.g.
// output_blue-boy_boy_2024-05-01T10-00-00-000Z.mp4.
func OutputFilename(sourceRef, prompt string, returnZip bool, now time.Time) string {
	base := "video"
	if u, err := url.Parse(sourceRef); err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			base = strings.TrimSuffix(name, path.Ext(name))
		}
	}
	if base == "" {
		base = "video"
	}

	if prompt == "" {
		prompt = "default"
	}
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(prompt), "-"), "-")

	ts := now.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)

	ext := "mp4"
	if returnZip {
		ext = "zip"
	}
	return "output_" + slug + "_" + base + "_" + ts + "." + ext
}
