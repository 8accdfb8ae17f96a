// Package bundle prepares handler source for the embedded JS engines
// using esbuild: entry files are bundled into a single script, and ES
// module handlers are rewritten into plain scripts the engines can
// evaluate globally.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

var importRe = regexp.MustCompile(`(?m)^\s*(import\s|export\s+.*\sfrom\s)`)

// needsBundling reports whether the source pulls in other modules.
func needsBundling(source string) bool {
	return importRe.MatchString(source)
}

// Entry loads a handler entry file, bundling its import graph into a
// single ES module when needed. Files without imports are returned as-is.
func Entry(entryPath string) (string, error) {
	source, err := os.ReadFile(entryPath)
	if err != nil {
		return "", fmt.Errorf("reading handler entry: %w", err)
	}

	src := string(source)
	if !needsBundling(src) {
		return src, nil
	}

	abs, err := filepath.Abs(entryPath)
	if err != nil {
		return "", fmt.Errorf("resolving handler entry: %w", err)
	}

	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{abs},
		AbsWorkingDir: filepath.Dir(abs),
		Bundle:        true,
		Format:        esbuild.FormatESModule,
		Write:         false,
		Platform:      esbuild.PlatformBrowser,
		Target:        esbuild.ES2022,
		TreeShaking:   esbuild.TreeShakingFalse,
	})
	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("bundling %s: %s", entryPath, strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", entryPath)
	}
	return string(result.OutputFiles[0].Contents), nil
}

// WrapHandlerModule transforms an ES module handler into a script that
// assigns its exports to globalThis.__handler_module__. Sources that are
// already plain scripts pass through the IIFE wrapping unharmed.
//
// If esbuild reports errors, the source is returned unchanged so the
// engine surfaces the compile error at load time.
func WrapHandlerModule(source string) string {
	result := esbuild.Transform(source, esbuild.TransformOptions{
		Format:     esbuild.FormatIIFE,
		GlobalName: "globalThis.__handler_module__",
		Target:     esbuild.ESNext,
	})
	if len(result.Errors) > 0 {
		return source
	}
	code := string(result.Code)
	// esbuild puts the default export under a .default property when
	// converting ESM to IIFE. Unwrap it so the engine can reach fetch and
	// scheduled directly.
	code += "if(globalThis.__handler_module__&&globalThis.__handler_module__.default)globalThis.__handler_module__=globalThis.__handler_module__.default;\n"
	return code
}
