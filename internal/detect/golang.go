package detect

// Golang detects Go modules and uses module-wide commands.
type Golang struct{}

func (Golang) Name() string { return "go" }

func (Golang) Detect(root string) (Commands, bool, error) {
	if !exists(root, "go.mod") {
		return Commands{}, false, nil
	}
	return Commands{
		Test:  "go test ./...",
		Build: "go build ./... && go vet ./...",
	}, true, nil
}
