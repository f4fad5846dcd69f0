package detect

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Rust detects Cargo projects. Clippy is added to the build when the
// cargo-clippy binary is available on the host.
type Rust struct {
	// LookPath locates host binaries. Nil means exec.LookPath.
	LookPath func(file string) (string, error)
}

func (Rust) Name() string { return "rust" }

func (r Rust) Detect(root string) (Commands, bool, error) {
	data, err := readOptional(filepath.Join(root, "Cargo.toml"))
	if err != nil {
		return Commands{}, true, fmt.Errorf("read Cargo.toml: %w", err)
	}
	if data == nil {
		return Commands{}, false, nil
	}

	var manifest map[string]any
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return Commands{}, true, fmt.Errorf("parse Cargo.toml: %w", err)
	}

	scope := ""
	if _, ok := manifest["workspace"]; ok {
		scope = " --workspace"
	}

	lookPath := r.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	build := "cargo build" + scope
	if _, err := lookPath("cargo-clippy"); err == nil {
		build = and(build, "cargo clippy"+scope+" --all-targets -- -D warnings")
	}

	return Commands{
		Test:  "cargo test" + scope,
		Build: build,
	}, true, nil
}
