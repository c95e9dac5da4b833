package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/autoeda/chart-engine/internal/model"
)

// Static allowlist for user-supplied snippets. The walker is lexical: it
// scans import statements, banned call sites and open() targets line by line
// without attempting semantic analysis.

// allowedImports are the benign stdlib module roots user code may import.
var allowedImports = map[string]bool{
	"json":       true,
	"csv":        true,
	"os":         true,
	"time":       true,
	"math":       true,
	"statistics": true,
	"random":     true,
}

// contextFileName is the injected JSON context users may open read-only.
const contextFileName = "in.json"

// datasetVarName is the bound variable holding the dataset path.
const datasetVarName = "dataset_path"

var (
	reImport     = regexp.MustCompile(`^\s*import\s+(.+)$`)
	reFromImport = regexp.MustCompile(`^\s*from\s+([A-Za-z_][\w.]*)\s+import\b`)
	reBannedCall = regexp.MustCompile(`(?:^|[^\w.])(eval|compile|input|breakpoint|__import__)\s*\(`)
	reOSCall     = regexp.MustCompile(`\bos\s*\.\s*(system|popen|spawnv\w*|remove|unlink|rmdir|removedirs|rename|renames|chdir|chmod|chown)\s*\(`)
	reOpenCall   = regexp.MustCompile(`(?:^|[^\w.])open\s*\(\s*([^,()]+?)\s*(?:,\s*([^,()]+?)\s*)?[,)]`)
	reStrLiteral = regexp.MustCompile(`^(?:'([^']*)'|"([^"]*)")$`)
	reIdentifier = regexp.MustCompile(`^[A-Za-z_]\w*$`)
	reReadMode   = regexp.MustCompile(`^r[bt]?$`)
)

// CheckUserCode walks code and returns a forbidden_import error on the first
// allowlist violation, nil otherwise.
func CheckUserCode(code string) error {
	for _, raw := range strings.Split(code, "\n") {
		line := stripComment(raw)
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := checkImports(line); err != nil {
			return err
		}
		if m := reBannedCall.FindStringSubmatch(line); m != nil {
			return newError(model.ErrKindForbiddenImport, fmt.Sprintf("call to %s is not allowed", m[1]))
		}
		if m := reOSCall.FindStringSubmatch(line); m != nil {
			return newError(model.ErrKindForbiddenImport, fmt.Sprintf("os.%s is not allowed", m[1]))
		}
		if err := checkOpenCalls(line); err != nil {
			return err
		}
	}
	return nil
}

func checkImports(line string) error {
	if m := reFromImport.FindStringSubmatch(line); m != nil {
		return checkModuleRoot(m[1])
	}
	if m := reImport.FindStringSubmatch(line); m != nil {
		for _, part := range strings.Split(m[1], ",") {
			name := strings.TrimSpace(part)
			// "import a.b as c" → root "a"
			if i := strings.Index(name, " as "); i >= 0 {
				name = name[:i]
			}
			if err := checkModuleRoot(strings.TrimSpace(name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkModuleRoot(module string) error {
	root := module
	if i := strings.IndexByte(root, '.'); i >= 0 {
		root = root[:i]
	}
	if !allowedImports[root] {
		return newError(model.ErrKindForbiddenImport, fmt.Sprintf("import of %s is not allowed", root))
	}
	return nil
}

func checkOpenCalls(line string) error {
	for _, m := range reOpenCall.FindAllStringSubmatch(line, -1) {
		target := strings.TrimSpace(m[1])
		if lit := reStrLiteral.FindStringSubmatch(target); lit != nil {
			name := lit[1] + lit[2]
			if name != contextFileName {
				return newError(model.ErrKindForbiddenImport, fmt.Sprintf("open of %q is not allowed", name))
			}
		} else if reIdentifier.MatchString(target) {
			if target != datasetVarName {
				return newError(model.ErrKindForbiddenImport, fmt.Sprintf("open of variable %s is not allowed", target))
			}
		} else {
			return newError(model.ErrKindForbiddenImport, "open target must be the context file or the dataset path")
		}
		if err := checkOpenMode(strings.TrimSpace(m[2])); err != nil {
			return err
		}
	}
	return nil
}

func checkOpenMode(arg string) error {
	if arg == "" {
		return nil // default mode is read
	}
	arg = strings.TrimSpace(strings.TrimPrefix(arg, "mode="))
	lit := reStrLiteral.FindStringSubmatch(arg)
	if lit == nil {
		// Non-literal mode (encoding kwarg and friends); not a mode at all.
		if strings.Contains(arg, "=") {
			return nil
		}
		return newError(model.ErrKindForbiddenImport, "open mode must be a read-style literal")
	}
	mode := lit[1] + lit[2]
	if !reReadMode.MatchString(mode) {
		return newError(model.ErrKindForbiddenImport, fmt.Sprintf("open mode %q is not allowed", mode))
	}
	return nil
}

// stripComment removes a trailing # comment when the hash is not inside a
// string literal. Quote tracking is lexical, which is all the guard needs.
func stripComment(line string) string {
	inSingle, inDouble := false, false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '#':
			if !inSingle && !inDouble {
				return line[:i]
			}
		}
	}
	return line
}
