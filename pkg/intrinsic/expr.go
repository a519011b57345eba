// Package intrinsic resolves node input templates into concrete invocation
// parameters. Template values are literals, path expressions into prior node
// outputs, or named transformation functions over both.
//
// Grammar:
//
//	expression -> call | path | literal
//	call       -> IDENT "(" ( expression ( "," expression )* )? ")"
//	path       -> IDENT ( "." IDENT | "[" NUMBER "]" )*
//	literal    -> STRING | NUMBER | "true" | "false" | "null"
package intrinsic

// Expr is a parsed template expression.
type Expr interface {
	expr()
}

// Literal is a constant value embedded in an expression.
type Literal struct {
	Value any
}

// Path references a value in the context store ("nodeA.result.value") or the
// reserved run namespace ("run.id").
type Path struct {
	Raw string
}

// Call is a named intrinsic function applied to evaluated arguments.
type Call struct {
	Name string
	Args []Expr
}

func (Literal) expr() {}
func (Path) expr()    {}
func (Call) expr()    {}
