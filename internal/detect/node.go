package detect

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// npmStubTest is the placeholder test script written by `npm init`.
const npmStubTest = "no test specified"

// Node detects package.json projects. The package manager is chosen from
// the lockfile present in the project root.
type Node struct{}

func (Node) Name() string { return "node" }

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

func (Node) Detect(root string) (Commands, bool, error) {
	data, err := readOptional(filepath.Join(root, "package.json"))
	if err != nil {
		return Commands{}, true, fmt.Errorf("read package.json: %w", err)
	}
	if data == nil {
		return Commands{}, false, nil
	}

	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return Commands{}, true, fmt.Errorf("parse package.json: %w", err)
	}

	pm := packageManager(root)
	var cmds Commands

	if s, ok := pkg.Scripts["test"]; ok && !strings.Contains(s, npmStubTest) {
		cmds.Test = pm.test()
	}

	var build []string
	if _, ok := pkg.Scripts["build"]; ok {
		build = append(build, pm.run("build"))
	}
	switch {
	case hasScript(pkg.Scripts, "typecheck"):
		build = append(build, pm.run("typecheck"))
	case hasScript(pkg.Scripts, "type-check"):
		build = append(build, pm.run("type-check"))
	}
	cmds.Build = and(build...)

	return cmds, true, nil
}

func hasScript(scripts map[string]string, name string) bool {
	_, ok := scripts[name]
	return ok
}

type nodePM string

func packageManager(root string) nodePM {
	switch {
	case exists(root, "pnpm-lock.yaml"):
		return "pnpm"
	case exists(root, "yarn.lock"):
		return "yarn"
	case exists(root, "bun.lockb", "bun.lock"):
		return "bun"
	default:
		return "npm"
	}
}

func (pm nodePM) test() string {
	// `bun test` runs bun's own runner instead of the script.
	if pm == "bun" {
		return "bun run test"
	}
	return string(pm) + " test"
}

func (pm nodePM) run(script string) string {
	return string(pm) + " run " + script
}
