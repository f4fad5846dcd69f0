package detect

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/pelletier/go-toml/v2"
)

// pythonSignals are files whose presence marks a Python project.
var pythonSignals = []string{
	"pyproject.toml", "setup.py", "setup.cfg", "requirements.txt",
	"Pipfile", "pytest.ini", "tox.ini",
}

// testDirs are the conventional test directories, in lookup order.
var testDirs = []string{"tests", "test"}

// unittestPattern matches modules picked up by unittest discovery.
var unittestPattern = glob.MustCompile("test*.py")

// Python detects Python projects. The test command prefers a dedicated
// pytest configuration over generic unittest discovery of a test directory.
type Python struct{}

func (Python) Name() string { return "python" }

// pythonConfig records which tools the project configures.
type pythonConfig struct {
	pytest bool
	mypy   bool
	ruff   bool
	flake8 bool
}

func (Python) Detect(root string) (Commands, bool, error) {
	if !exists(root, pythonSignals...) {
		return Commands{}, false, nil
	}

	cfg, err := readPythonConfig(root)
	if err != nil {
		return Commands{}, true, err
	}

	var cmds Commands
	switch {
	case cfg.pytest:
		cmds.Test = "pytest"
	default:
		if dir := findTestDir(root); dir != "" {
			cmds.Test = "python -m unittest discover -s " + dir
		}
	}

	var build []string
	if cfg.mypy {
		build = append(build, "mypy .")
	}
	switch {
	case cfg.ruff:
		build = append(build, "ruff check .")
	case cfg.flake8:
		build = append(build, "flake8")
	}
	cmds.Build = and(build...)

	return cmds, true, nil
}

func readPythonConfig(root string) (pythonConfig, error) {
	var cfg pythonConfig

	cfg.pytest = exists(root, "pytest.ini", "conftest.py")
	cfg.mypy = exists(root, "mypy.ini", ".mypy.ini")
	cfg.ruff = exists(root, "ruff.toml", ".ruff.toml")
	cfg.flake8 = exists(root, ".flake8")

	data, err := readOptional(filepath.Join(root, "pyproject.toml"))
	if err != nil {
		return cfg, fmt.Errorf("read pyproject.toml: %w", err)
	}
	if data != nil {
		var pyproject struct {
			Tool map[string]any `toml:"tool"`
		}
		if err := toml.Unmarshal(data, &pyproject); err != nil {
			return cfg, fmt.Errorf("parse pyproject.toml: %w", err)
		}
		if pytest, ok := pyproject.Tool["pytest"].(map[string]any); ok {
			if _, ok := pytest["ini_options"]; ok {
				cfg.pytest = true
			}
		}
		if _, ok := pyproject.Tool["mypy"]; ok {
			cfg.mypy = true
		}
		if _, ok := pyproject.Tool["ruff"]; ok {
			cfg.ruff = true
		}
	}

	setupCfg, err := iniSections(filepath.Join(root, "setup.cfg"))
	if err != nil {
		return cfg, err
	}
	cfg.pytest = cfg.pytest || setupCfg["tool:pytest"]
	cfg.mypy = cfg.mypy || setupCfg["mypy"]
	cfg.flake8 = cfg.flake8 || setupCfg["flake8"]

	toxIni, err := iniSections(filepath.Join(root, "tox.ini"))
	if err != nil {
		return cfg, err
	}
	cfg.pytest = cfg.pytest || toxIni["pytest"]
	cfg.flake8 = cfg.flake8 || toxIni["flake8"]

	return cfg, nil
}

// iniSections returns the set of [section] headers in an INI file. A
// missing file yields an empty set.
func iniSections(path string) (map[string]bool, error) {
	data, err := readOptional(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	sections := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			sections[strings.TrimSpace(line[1:len(line)-1])] = true
		}
	}
	return sections, sc.Err()
}

// findTestDir returns the first conventional test directory that contains
// at least one discoverable test module.
func findTestDir(root string) string {
	for _, name := range testDirs {
		dir := filepath.Join(root, name)
		if !isDir(dir) {
			continue
		}
		found := false
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if found {
				return fs.SkipAll
			}
			if err != nil {
				// An unreadable directory is skipped; an unreadable file
				// must not hide its siblings.
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() && unittestPattern.Match(d.Name()) {
				found = true
				return fs.SkipAll
			}
			return nil
		})
		if found {
			return name
		}
	}
	return ""
}
