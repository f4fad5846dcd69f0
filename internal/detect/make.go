package detect

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// Make detects bare build-orchestration files (Makefile or justfile) and
// delegates to their test and build targets.
type Make struct{}

func (Make) Name() string { return "make" }

// makeTarget matches "name:" rule lines but not "name := value" assignments.
func makeTarget(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^` + name + `\s*:([^=]|$)`)
}

// justRecipe matches "name:" or "name arg1 arg2:" recipe headers.
func justRecipe(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^@?` + name + `(\s+[^:=\n]*)?:([^=]|$)`)
}

var orchestrators = []struct {
	files  []string
	tool   string
	target func(string) *regexp.Regexp
}{
	{files: []string{"GNUmakefile", "makefile", "Makefile"}, tool: "make", target: makeTarget},
	{files: []string{"justfile", "Justfile", ".justfile"}, tool: "just", target: justRecipe},
}

func (Make) Detect(root string) (Commands, bool, error) {
	for _, o := range orchestrators {
		for _, name := range o.files {
			data, err := readOptional(filepath.Join(root, name))
			if err != nil {
				return Commands{}, true, fmt.Errorf("read %s: %w", name, err)
			}
			if data == nil {
				continue
			}

			var cmds Commands
			if o.target("test").Match(data) {
				cmds.Test = o.tool + " test"
			}
			if o.target("build").Match(data) {
				cmds.Build = o.tool + " build"
			}
			if cmds.Empty() {
				// Present but no recognizable targets: not a usable signal.
				continue
			}
			return cmds, true, nil
		}
	}
	return Commands{}, false, nil
}
