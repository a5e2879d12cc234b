package inject

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    string
		env     map[string]string
		want    string
		missing []string
	}{
		{
			name: "present",
			tmpl: `const key = process.env.FOO;`,
			env:  map[string]string{"FOO": "bar"},
			want: `const key = "bar";`,
		},
		{
			name:    "missing",
			tmpl:    `const key = process.env.MISSING;`,
			env:     map[string]string{},
			want:    `const key = "";`,
			missing: []string{"MISSING"},
		},
		{
			name: "escaped",
			tmpl: `x(process.env.MSG)`,
			env:  map[string]string{"MSG": "say \"hi\"\n\\ <b>"},
			want: `x("say \"hi\"\n\\ <b>")`,
		},
		{
			name: "digits and underscore",
			tmpl: `process.env.API_URL_2 + process.env.API_URL_2`,
			env:  map[string]string{"API_URL_2": "https://api"},
			want: `"https://api" + "https://api"`,
		},
		{
			name:    "missing reported once",
			tmpl:    `[process.env.A, process.env.B, process.env.A]`,
			env:     map[string]string{"B": ""},
			want:    `["", "", ""]`,
			missing: []string{"A"},
		},
		{
			name: "lower case is not a placeholder",
			tmpl: `process.env.foo`,
			env:  map[string]string{"foo": "x"},
			want: `process.env.foo`,
		},
		{
			name: "empty value is present",
			tmpl: `process.env.EMPTY`,
			env:  map[string]string{"EMPTY": ""},
			want: `""`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Render([]byte(tt.tmpl), envMap(tt.env))
			assert.Equal(t, tt.want, string(res.Output))
			assert.Equal(t, tt.missing, res.Missing)
		})
	}
}

func TestFileWritesArtifactAndWarns(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "sw.js")
	dst := filepath.Join(dir, "sw.build.js")
	require.NoError(t, os.WriteFile(src, []byte(`const a = process.env.FOO; const b = process.env.MISSING;`), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("stale artifact"), 0o644))

	var logs bytes.Buffer
	res, err := File(src, dst, envMap(map[string]string{"FOO": "bar"}), zerolog.New(&logs))
	require.NoError(t, err)
	assert.Equal(t, []string{"MISSING"}, res.Missing)

	out, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, `const a = "bar"; const b = "";`, string(out))

	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), "MISSING")
	assert.NotContains(t, logs.String(), "FOO")
}

func TestFileLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "sw.js")
	dst := filepath.Join(dir, "sw.build.js")
	require.NoError(t, os.WriteFile(src, []byte(`process.env.FOO`), 0o644))

	for i := 0; i < 3; i++ {
		_, err := File(src, dst, envMap(map[string]string{"FOO": "bar"}), zerolog.Nop())
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"sw.build.js", "sw.js"}, names)

	fi, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm())
}

func TestFileUnwritableDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "sw.js")
	require.NoError(t, os.WriteFile(src, []byte(`x`), 0o644))

	_, err := File(src, filepath.Join(dir, "no-such-dir", "sw.build.js"), envMap(nil), zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileMissingTemplate(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "sw.build.js")

	_, err := File(filepath.Join(dir, "nope.js"), dst, envMap(nil), zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr), "artifact must not be written")
}
