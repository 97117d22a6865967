package mealcache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// AssetManifest is the build tool's map from logical asset name to the
// hashed URL it is served under.
type AssetManifest struct {
	Files map[string]string `json:"files"`
}

// manifestAssets fetches the asset manifest and returns the generated
// bundles worth pre-caching.
func (w *Worker) manifestAssets(ctx context.Context) ([]string, error) {
	u, err := w.resolve(w.cfg.Manifest.Path)
	if err != nil {
		return nil, err
	}
	resp, err := w.net.Fetch(ctx, NewRequest(u.String(), ModeSameOrigin))
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return nil, errors.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	var m AssetManifest
	if err := json.Unmarshal(resp.Body, &m); err != nil {
		return nil, errors.Wrap(err, "decode asset manifest")
	}
	return m.Assets(w.cfg.Manifest.ChunkPatterns...), nil
}

// Assets selects main.css, main.js and every entry whose logical name
// matches one of chunkPatterns. The result is deduplicated and keeps main
// bundles first.
func (m AssetManifest) Assets(chunkPatterns ...string) []string {
	var out []string
	for _, name := range []string{"main.css", "main.js"} {
		if u := strings.TrimSpace(m.Files[name]); u != "" {
			out = append(out, u)
		}
	}

	chunks := lo.Filter(lo.Keys(m.Files), func(name string, _ int) bool {
		return lo.SomeBy(chunkPatterns, func(pat string) bool {
			ok, err := doublestar.Match(pat, name)
			return err == nil && ok
		})
	})
	sort.Strings(chunks)
	for _, name := range chunks {
		if u := strings.TrimSpace(m.Files[name]); u != "" {
			out = append(out, u)
		}
	}
	return lo.Uniq(out)
}
