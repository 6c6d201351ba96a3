package styles

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// The builtin compiler covers the subset of SCSS that maps directly onto CSS: partial imports,
// line comments and variables. Nesting is left to esbuild, which lowers it for the configured
// browsers.

var (
	importExpr   = regexp.MustCompile(`@import\s+([^;]+);`)
	quotedExpr   = regexp.MustCompile(`"([^"]*)"|'([^']*)'`)
	varDefExpr   = regexp.MustCompile(`(?m)^[ \t]*\$([A-Za-z_][A-Za-z0-9_-]*)[ \t]*:[ \t]*([^;]+?)[ \t]*(!default)?[ \t]*;[ \t]*\r?\n?`)
	varUseExpr   = regexp.MustCompile(`#\{\$([A-Za-z_][A-Za-z0-9_-]*)\}|\$([A-Za-z_][A-Za-z0-9_-]*)`)
	plainCSSExpr = regexp.MustCompile(`^(https?:)?//|\.css$|^url\(`)
)

// CompileBuiltin turns an SCSS entry file into plain CSS (with nesting still in place)
func CompileBuiltin(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".sass") {
		return "", eris.Errorf("%s uses the indented syntax which needs the sass compiler (set styles.compiler)", path)
	}

	inlined, err := inlineImports(path, []string{})
	if err != nil {
		return "", err
	}

	return substituteVariables(path, inlined)
}

func inlineImports(path string, stack []string) (string, error) {
	for _, parent := range stack {
		if parent == path {
			return "", eris.Errorf("import cycle: %s -> %s", strings.Join(stack, " -> "), path)
		}
	}
	stack = append(stack, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "failed to read %s", path)
	}

	source := stripLineComments(string(raw))
	var resultErr error

	result := importExpr.ReplaceAllStringFunc(source, func(stmt string) string {
		if resultErr != nil {
			return stmt
		}

		args := importExpr.FindStringSubmatch(stmt)[1]
		parts := make([]string, 0)
		for _, quoted := range quotedExpr.FindAllStringSubmatch(args, -1) {
			target := quoted[1] + quoted[2]
			if plainCSSExpr.MatchString(target) || strings.Contains(args, "url(") {
				// plain CSS imports are bundled (or kept) by esbuild
				return stmt
			}

			partial, err := resolvePartial(filepath.Dir(path), target)
			if err != nil {
				resultErr = eris.Wrapf(err, "%s", path)
				return stmt
			}

			content, err := inlineImports(partial, stack)
			if err != nil {
				resultErr = err
				return stmt
			}
			parts = append(parts, content)
		}

		if len(parts) == 0 {
			return stmt
		}
		return strings.Join(parts, "\n")
	})

	return result, resultErr
}

func resolvePartial(dir, target string) (string, error) {
	targetDir, name := filepath.Split(filepath.FromSlash(target))
	base := filepath.Join(dir, targetDir)

	candidates := []string{
		filepath.Join(base, name),
		filepath.Join(base, name+".scss"),
		filepath.Join(base, "_"+name+".scss"),
		filepath.Join(base, name, "_index.scss"),
		filepath.Join(base, name, "index.scss"),
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}
	}

	return "", eris.Errorf("can't find stylesheet to import: %s", target)
}

// stripLineComments removes // comments while leaving strings, block comments and url() arguments alone
func stripLineComments(source string) string {
	out := strings.Builder{}
	out.Grow(len(source))

	var quote byte
	inBlock := false
	inURL := false

	for i := 0; i < len(source); i++ {
		c := source[i]

		switch {
		case inBlock:
			out.WriteByte(c)
			if c == '*' && i+1 < len(source) && source[i+1] == '/' {
				out.WriteByte('/')
				i++
				inBlock = false
			}
		case quote != 0:
			out.WriteByte(c)
			if c == '\\' && i+1 < len(source) {
				out.WriteByte(source[i+1])
				i++
			} else if c == quote {
				quote = 0
			}
		case inURL:
			out.WriteByte(c)
			if c == ')' {
				inURL = false
			}
		case c == '"' || c == '\'':
			quote = c
			out.WriteByte(c)
		case c == '/' && i+1 < len(source) && source[i+1] == '*':
			inBlock = true
			out.WriteString("/*")
			i++
		case c == '/' && i+1 < len(source) && source[i+1] == '/':
			for i < len(source) && source[i] != '\n' {
				i++
			}
			if i < len(source) {
				out.WriteByte('\n')
			}
		default:
			if c == '(' && i >= 3 && strings.EqualFold(source[i-3:i], "url") {
				inURL = true
			}
			out.WriteByte(c)
		}
	}

	return out.String()
}

func substituteVariables(path, source string) (string, error) {
	vars := make(map[string]string)
	out := strings.Builder{}
	var resultErr error

	replaceUses := func(segment string) string {
		return varUseExpr.ReplaceAllStringFunc(segment, func(use string) string {
			m := varUseExpr.FindStringSubmatch(use)
			name := m[1] + m[2]
			value, ok := vars[name]
			if !ok {
				if resultErr == nil {
					resultErr = eris.Errorf("%s: undefined variable $%s", path, name)
				}
				return use
			}
			return value
		})
	}

	last := 0
	for _, loc := range varDefExpr.FindAllStringSubmatchIndex(source, -1) {
		out.WriteString(replaceUses(source[last:loc[0]]))
		last = loc[1]

		name := source[loc[2]:loc[3]]
		value := replaceUses(source[loc[4]:loc[5]])
		isDefault := loc[6] >= 0

		if _, exists := vars[name]; exists && isDefault {
			continue
		}
		vars[name] = value
	}
	out.WriteString(replaceUses(source[last:]))

	if resultErr != nil {
		return "", resultErr
	}

	return out.String(), nil
}
