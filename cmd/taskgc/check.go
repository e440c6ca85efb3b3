// check.go implements the 'taskgc check' command.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"

	"github.com/kolkov/taskgc/rt"
)

// runtimeModulePath is the module a host project must require to use
// the runtime.
const runtimeModulePath = "github.com/kolkov/taskgc"

// checkCommand validates a host project's go.mod: the file must parse,
// require the runtime module, and require it at a version no older than
// this tool.
func checkCommand(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	gomod, err := findGoMod(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(gomod)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	f, err := modfile.Parse(gomod, data, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: parsing %s: %v\n", gomod, err)
		os.Exit(1)
	}

	fmt.Printf("module: %s\n", f.Module.Mod.Path)
	if f.Module.Mod.Path == runtimeModulePath {
		fmt.Println("this is the runtime module itself: ok")
		return
	}

	for _, req := range f.Require {
		if req.Mod.Path != runtimeModulePath {
			continue
		}
		fmt.Printf("requires %s %s\n", req.Mod.Path, req.Mod.Version)
		if semver.Compare(req.Mod.Version, "v"+rt.Version) < 0 {
			fmt.Fprintf(os.Stderr, "Error: version %s is older than this tool (v%s)\n",
				req.Mod.Version, rt.Version)
			os.Exit(1)
		}
		fmt.Println("ok")
		return
	}

	fmt.Fprintf(os.Stderr, "Error: %s does not require %s\n", gomod, runtimeModulePath)
	fmt.Fprintf(os.Stderr, "Add it with:\n\n\tgo get %s@latest\n", runtimeModulePath)
	os.Exit(1)
}

// findGoMod walks up from dir looking for a go.mod file.
func findGoMod(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(abs, "go.mod")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no go.mod found above %s", dir)
		}
		abs = parent
	}
}
