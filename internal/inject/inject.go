// Package inject bakes build-time environment values into the worker script,
// which cannot read the environment at runtime.
package inject

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog"
)

const (
	TemplatePath = "public/sw.js"
	ArtifactPath = "public/sw.build.js"
)

var placeholder = regexp.MustCompile(`process\.env\.([A-Z0-9_]+)`)

// LookupFunc resolves an environment variable, like os.LookupEnv.
type LookupFunc func(name string) (string, bool)

// Result is the rendered artifact plus the names that had no value, in
// order of first appearance.
type Result struct {
	Output  []byte
	Missing []string
}

// Render replaces every placeholder in tmpl with a double-quoted literal.
// Unknown names become "".
func Render(tmpl []byte, lookup LookupFunc) Result {
	var missing []string
	seen := map[string]struct{}{}

	out := placeholder.ReplaceAllFunc(tmpl, func(m []byte) []byte {
		name := string(placeholder.FindSubmatch(m)[1])
		v, ok := lookup(name)
		if !ok {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				missing = append(missing, name)
			}
			return []byte(`""`)
		}
		return quote(v)
	})
	return Result{Output: out, Missing: missing}
}

// quote returns v as a JSON string, which is also a valid JS string literal.
func quote(v string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// File renders src into dst, warning once per missing variable. Only a
// failure to read src or write dst is an error.
func File(src, dst string, lookup LookupFunc, log zerolog.Logger) (Result, error) {
	tmpl, err := os.ReadFile(src)
	if err != nil {
		return Result{}, fmt.Errorf("read template: %w", err)
	}

	res := Render(tmpl, lookup)
	for _, name := range res.Missing {
		log.Warn().Str("var", name).Msgf("environment variable %s is not set, using empty string", name)
	}

	if err := writeFileAtomic(dst, res.Output); err != nil {
		return res, fmt.Errorf("write artifact: %w", err)
	}
	return res, nil
}

func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if err == nil {
		err = f.Chmod(0o644)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
