// Package timeutc provides a linter that flags time.Now() calls without .UTC().
// Every persisted timestamp in this codebase is UTC; the SQLite backend in
// particular relies on UTC text timestamps sorting chronologically.
package timeutc

import (
	"go/ast"
	"strings"

	"golang.org/x/tools/go/analysis"
)

// Analyzer detects time.Now() calls that are not immediately chained with .UTC().
var Analyzer = &analysis.Analyzer{
	Name: "timeutc",
	Doc:  "checks for time.Now() calls without .UTC() to ensure timezone consistency",
	Run:  run,
}

func run(pass *analysis.Pass) (any, error) {
	for _, file := range pass.Files {
		// First pass: collect the time.Now() calls that are receivers of .UTC().
		chained := make(map[*ast.CallExpr]bool)
		ast.Inspect(file, func(n ast.Node) bool {
			sel, ok := n.(*ast.SelectorExpr)
			if !ok || sel.Sel.Name != "UTC" {
				return true
			}
			if call, ok := sel.X.(*ast.CallExpr); ok && isTimeNow(call) {
				chained[call] = true
			}
			return true
		})

		// Second pass: report the rest, honoring nolint comments.
		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok || !isTimeNow(call) || chained[call] {
				return true
			}
			if suppressed(pass, file, call) {
				return true
			}
			pass.Reportf(call.Pos(), "time.Now() should be followed by .UTC() for timezone consistency")
			return true
		})
	}
	return nil, nil
}

func isTimeNow(call *ast.CallExpr) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Now" {
		return false
	}
	ident, ok := sel.X.(*ast.Ident)
	return ok && ident.Name == "time"
}

// suppressed reports whether a nolint comment on the call's line, or the line
// above it, disables this analyzer. Both bare //nolint and //nolint:timeutc
// count.
func suppressed(pass *analysis.Pass, file *ast.File, call *ast.CallExpr) bool {
	line := pass.Fset.Position(call.Pos()).Line
	for _, cg := range file.Comments {
		for _, comment := range cg.List {
			commentLine := pass.Fset.Position(comment.Pos()).Line
			if commentLine != line && commentLine != line-1 {
				continue
			}
			text := comment.Text
			if !strings.Contains(text, "nolint") {
				continue
			}
			if !strings.Contains(text, ":") || strings.Contains(text, "timeutc") {
				return true
			}
		}
	}
	return false
}
