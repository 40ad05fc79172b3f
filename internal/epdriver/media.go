package epdriver

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"os"
	"regexp"

	"github.com/xl370869-art/wecom/internal/epqueue"
)

// localImagePathRe implements spec.md §4.8.2's model-inferred local
// path pattern: a /Users or /tmp path ending in a common image
// extension.
var localImagePathRe = regexp.MustCompile(`(?:/Users|/tmp)/[^\s"'` + "`" + `]+\.(?:png|jpe?g|gif|webp|bmp)`)

func findLocalImagePaths(text string) []string {
	return localImagePathRe.FindAllString(text, -1)
}

func readLocalFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func imageItemFromBytes(data []byte) epqueue.ImageItem {
	sum := md5.Sum(data)
	return epqueue.ImageItem{
		Base64: base64.StdEncoding.EncodeToString(data),
		MD5:    hex.EncodeToString(sum[:]),
	}
}

var nonImageExt = regexp.MustCompile(`\.(png|jpe?g|gif|webp|bmp)$`)

func isImagePath(path string) bool {
	return nonImageExt.MatchString(path)
}

// localPathRe matches any /Users or /tmp path regardless of extension,
// used by the "send this local file" pre-intent (spec.md §4.8.3).
var localPathRe = regexp.MustCompile(`(?:/Users|/tmp)/[^\s"'` + "`" + `]+`)

func findLocalPaths(text string) []string {
	return localPathRe.FindAllString(text, -1)
}

// findLocalFilePaths returns the non-image local paths an agent block
// mentions, excluding any already captured as image paths (alreadyImages).
func findLocalFilePaths(text string, alreadyImages []string) []string {
	seen := make(map[string]struct{}, len(alreadyImages))
	for _, p := range alreadyImages {
		seen[p] = struct{}{}
	}
	var out []string
	for _, p := range findLocalPaths(text) {
		if _, ok := seen[p]; ok {
			continue
		}
		if isImagePath(p) {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// sendVerbRe matches the common Chinese verbs for "send" this pre-intent
// looks for alongside a local path.
var sendVerbRe = regexp.MustCompile(`发送|发给|帮我发|请发`)

func hasSendIntent(text string) bool {
	return sendVerbRe.MatchString(text)
}
