package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockFsUtils struct {
	executable    string
	executableErr error
	statMap       map[string]os.FileInfo
	statErr       error
	readFileMap   map[string][]byte
	readFileErr   error
	homeDir       string
	homeDirErr    error
	cwd           string
	cwdErr        error
	lookPathMap   map[string]string
	lookPathErr   error
}

func (m *mockFsUtils) Executable() (string, error) { return m.executable, m.executableErr }
func (m *mockFsUtils) Stat(name string) (os.FileInfo, error) {
	if info, ok := m.statMap[name]; ok {
		return info, nil
	}
	return nil, m.statErr
}
func (m *mockFsUtils) ReadFile(name string) ([]byte, error) {
	if content, ok := m.readFileMap[name]; ok {
		return content, nil
	}
	return nil, m.readFileErr
}
func (m *mockFsUtils) UserHomeDir() (string, error) { return m.homeDir, m.homeDirErr }
func (m *mockFsUtils) Getwd() (string, error)       { return m.cwd, m.cwdErr }
func (m *mockFsUtils) LookPath(file string) (string, error) {
	if path, ok := m.lookPathMap[file]; ok {
		return path, nil
	}
	return "", m.lookPathErr
}

const (
	testBinary  = "/usr/local/bin/tracelod"
	testHome    = "/home/testuser"
	testProject = "/home/testuser/project"
)

// baseMock has an executable binary and nothing else.
func baseMock() *mockFsUtils {
	return &mockFsUtils{
		executable: testBinary,
		homeDir:    testHome,
		cwd:        testProject,
		statMap: map[string]os.FileInfo{
			testBinary: &mockFileInfo{mode: 0755},
		},
		statErr:     os.ErrNotExist,
		readFileMap: map[string][]byte{},
		readFileErr: os.ErrNotExist,
		lookPathErr: os.ErrNotExist,
	}
}

func runDoctorForTest(t *testing.T, utils fsUtils) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	err := runDoctorWithUtils(&buf, "test-version", utils)
	return buf.String(), err
}

func TestDoctor_Defaults(t *testing.T) {
	out, err := runDoctorForTest(t, baseMock())

	assert.NoError(t, err)
	assert.Contains(t, out, "tracelod doctor vtest-version")
	assert.Contains(t, out, "⚠ Optional: MCP config not found")
	assert.Contains(t, out, `"args": ["mcp"]`)
	assert.Contains(t, out, "✓ No tracelod config files, using built-in defaults")
	assert.Contains(t, out, "⚠ No data directories configured")
	assert.Contains(t, out, "will be created on first use")
	assert.Contains(t, out, "⚠ Optional: otel-cli not found")
	assert.Contains(t, out, "✅ All critical checks passed!")
	assert.Contains(t, out, "⚠️  3 optional warning(s)")
}

func TestDoctor_BinaryNotExecutable(t *testing.T) {
	m := baseMock()
	m.statMap[testBinary] = &mockFileInfo{mode: 0644}

	out, err := runDoctorForTest(t, m)

	assert.Error(t, err)
	assert.Contains(t, out, "✗ Binary is not executable")
	assert.Contains(t, out, "chmod +x "+testBinary)
	assert.Contains(t, out, "❌ Found 1 issue(s) that need attention")
}

func TestDoctor_AllPass(t *testing.T) {
	m := baseMock()
	mcpConfig := filepath.Join(testProject, ".mcp.json")
	globalConfig := filepath.Join(testHome, ".config", "tracelod", "config.json")

	m.statMap[mcpConfig] = &mockFileInfo{mode: 0644}
	m.readFileMap[mcpConfig] = []byte(`{
		"mcpServers": {
			"tracelod": {
				"command": "/usr/local/bin/tracelod",
				"args": ["mcp"]
			}
		}
	}`)
	m.readFileMap[globalConfig] = []byte(`{"data_dirs": ["/data/otlp"]}`)
	m.statMap["/data/otlp"] = &mockFileInfo{isDir: true}
	m.statMap["/data/otlp/traces"] = &mockFileInfo{isDir: true}
	m.statMap[filepath.Join(testHome, ".config", "tracelod")] = &mockFileInfo{isDir: true}
	m.lookPathMap = map[string]string{"otel-cli": "/usr/local/bin/otel-cli"}

	out, err := runDoctorForTest(t, m)

	assert.NoError(t, err)
	assert.Contains(t, out, "✓ MCP config found: "+mcpConfig)
	assert.Contains(t, out, "✓ tracelod config: "+globalConfig)
	assert.Contains(t, out, "✓ Data directories: /data/otlp")
	assert.Contains(t, out, "✓ Preferences: ")
	assert.Contains(t, out, "✓ Optional: otel-cli found at /usr/local/bin/otel-cli")
	assert.Contains(t, out, "✅ All checks passed!")
}

func TestDoctor_MCPEntryMissing(t *testing.T) {
	m := baseMock()
	mcpConfig := filepath.Join(testProject, ".gemini", "settings.json")
	m.statMap[mcpConfig] = &mockFileInfo{mode: 0644}
	m.readFileMap[mcpConfig] = []byte(`{"mcpServers": {"other": {"command": "x"}}}`)

	out, err := runDoctorForTest(t, m)

	assert.NoError(t, err)
	assert.Contains(t, out, "⚠ MCP config found: "+mcpConfig)
	assert.Contains(t, out, "does not contain a 'tracelod' server entry")
}

func TestDoctor_InvalidProjectConfig(t *testing.T) {
	m := baseMock()
	project := filepath.Join(testProject, ".tracelod.yaml")
	m.statMap[project] = &mockFileInfo{mode: 0644}
	m.readFileMap[project] = []byte("http_port: 70000\n")

	out, err := runDoctorForTest(t, m)

	assert.Error(t, err)
	assert.Contains(t, out, "✗ tracelod config is invalid")
	assert.Contains(t, out, "http_port 70000 out of range")
	assert.Contains(t, out, "❌ Found 1 issue(s) that need attention")
}

func TestDoctor_UnusableDataDir(t *testing.T) {
	m := baseMock()
	project := filepath.Join(testProject, ".tracelod.json")
	m.statMap[project] = &mockFileInfo{mode: 0644}
	m.readFileMap[project] = []byte(`{"data_dirs": ["/data/empty", "/data/missing"]}`)
	m.statMap["/data/empty"] = &mockFileInfo{isDir: true}

	out, err := runDoctorForTest(t, m)

	assert.Error(t, err)
	assert.Contains(t, out, "✗ 2 of 2 data directories unusable")
	assert.Contains(t, out, "/data/empty: has neither traces/ nor metrics/")
	assert.Contains(t, out, "/data/missing: not a directory")
}

func TestFindProjectConfigWith_StopsAtGit(t *testing.T) {
	m := baseMock()
	m.cwd = "/repo/sub/dir"
	m.statMap["/repo/sub/.git"] = &mockFileInfo{isDir: true}
	m.statMap["/repo/.tracelod.json"] = &mockFileInfo{}

	assert.Equal(t, "", findProjectConfigWith(m))

	m.statMap["/repo/sub/.tracelod.yml"] = &mockFileInfo{}
	assert.Equal(t, "/repo/sub/.tracelod.yml", findProjectConfigWith(m))
}

// mockFileInfo implements os.FileInfo for testing purposes
type mockFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
	sys     interface{}
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() os.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() interface{}   { return m.sys }
