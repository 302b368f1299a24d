package transform

import "github.com/folddb/folddb/internal/types"

// Node is any expression in a transform body. It is a closed tagged union
// (the concrete types below are the only implementations) rather than an
// open interface, so the executor's switch over concrete types is
// exhaustive and the AST cannot grow hidden branches.
type Node interface {
	node()
}

// NumberLit is a numeric literal, always evaluated as float64.
type NumberLit struct{ Value float64 }

// StringLit is a string literal.
type StringLit struct{ Value string }

// BoolLit is a boolean literal.
type BoolLit struct{ Value bool }

// Ident is a bare name (a let binding) or a dotted "Schema.Field"
// reference to another field's current value.
type Ident struct{ Name string }

// BinaryExpr is a two-operand arithmetic, comparison, or logical
// expression. Op is one of: + - * / == != < <= > >= && ||.
type BinaryExpr struct {
	Op    string
	Left  Node
	Right Node
}

// UnaryExpr is a single-operand expression. Op is one of: - !.
type UnaryExpr struct {
	Op      string
	Operand Node
}

// CallExpr invokes one of the executor's built-in functions.
type CallExpr struct {
	Callee string
	Args   []Node
}

// CondExpr is "if Cond then Then else Else".
type CondExpr struct {
	Cond Node
	Then Node
	Else Node
}

func (NumberLit) node()  {}
func (StringLit) node()  {}
func (BoolLit) node()    {}
func (Ident) node()      {}
func (BinaryExpr) node() {}
func (UnaryExpr) node()  {}
func (CallExpr) node()   {}
func (CondExpr) node()   {}

// LetStmt binds Name to Value's evaluation result for the rest of the body.
type LetStmt struct {
	Name  string
	Value Node
}

// Program is one parsed transform declaration: its metadata clauses plus
// an ordered list of let-bindings terminated by a single return.
type Program struct {
	Trust      types.TrustRequirement
	Payment    types.PaymentRequirement
	Reversible bool
	Signature  string

	Lets   []LetStmt
	Return Node
}
