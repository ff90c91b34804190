// Package soundbank locates audio clips on disk for the call rituals:
// the ordered greeting sequence played on join and the random hang-up
// clip played on leave.
package soundbank

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var audioExtensions = map[string]struct{}{
	".mp3": {}, ".ogg": {}, ".wav": {}, ".opus": {}, ".m4a": {},
}

// List returns the audio files directly under dir, sorted by name. A
// missing or empty directory yields nil, not an error; the call rituals
// are optional.
func List(dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if _, ok := audioExtensions[ext]; ok {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files
}

// PickRandom returns one random audio file from dir, or "" when none
// exist.
func PickRandom(dir string) string {
	files := List(dir)
	if len(files) == 0 {
		return ""
	}
	return files[rand.Intn(len(files))]
}
