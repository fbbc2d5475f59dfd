// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/gomlx/accel/pkg/core/ir"
	"github.com/gomlx/accel/pkg/core/methods"
	"github.com/gomlx/gopjrt/dtypes"
)

// stmt is a node of the source tree.
type stmt interface {
	write(w *writer)
}

// line is a single statement (or comment) line.
type line string

func (l line) write(w *writer) { w.line(string(l)) }

// block is a header followed by a braced list of statements.
type block struct {
	header string
	body   []stmt
}

func (b *block) add(format string, args ...any) {
	b.body = append(b.body, line(fmt.Sprintf(format, args...)))
}

func (b *block) write(w *writer) {
	w.line(b.header + " {")
	w.indent++
	for _, s := range b.body {
		s.write(w)
	}
	w.indent--
	w.line("}")
}

type writer struct {
	sb     strings.Builder
	indent int
}

func (w *writer) line(text string) {
	w.sb.WriteString(strings.Repeat("    ", w.indent))
	w.sb.WriteString(text)
	w.sb.WriteByte('\n')
}

// Render returns the OpenCL-C-like source of the program and its device functions.
func Render(p *Program) string {
	var tree []stmt
	tree = append(tree, line(fmt.Sprintf("// %s: global size %s, tile size %d", p.Name, globalSizeString(p), p.TileSize)))
	for _, fn := range p.Functions {
		tree = append(tree, line(""), functionTree(fn, p.Functions))
	}
	tree = append(tree, line(""), functionTree(p, p.Functions))
	w := &writer{}
	for _, s := range tree {
		s.write(w)
	}
	return w.sb.String()
}

func globalSizeString(p *Program) string {
	if !p.Parallel {
		return "1"
	}
	if p.GlobalSize >= 0 {
		return fmt.Sprint(p.GlobalSize)
	}
	return paramName(p, p.GlobalSizeParam)
}

// Identifier converts a routine or parameter name to a valid C identifier.
func Identifier(name string) string {
	var sb strings.Builder
	for ii, r := range name {
		switch {
		case r == '_' || unicode.IsLetter(r) || (ii > 0 && unicode.IsDigit(r)):
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	if sb.Len() == 0 {
		return "_"
	}
	return sb.String()
}

func paramName(p *Program, idx int) string {
	if name := p.Params[idx].Name; name != "" {
		return Identifier(name)
	}
	return fmt.Sprintf("p%d", idx)
}

// CType returns the OpenCL C type name for dtype.
func CType(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Int32:
		return "int"
	case dtypes.Int64:
		return "long"
	case dtypes.Float32:
		return "float"
	case dtypes.Float64:
		return "double"
	}
	return "void"
}

func literal(dtype dtypes.DType, v ir.Value) string {
	s := v.Format(dtype)
	switch dtype {
	case dtypes.Float32, dtypes.Float64:
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0"
		}
		if dtype == dtypes.Float32 {
			s += "f"
		}
	case dtypes.Int64:
		s += "L"
	}
	return s
}

func signature(p *Program) string {
	var params []string
	for ii, param := range p.Params {
		name := paramName(p, ii)
		switch param.Kind {
		case methods.KindScalar:
			params = append(params, fmt.Sprintf("%s %s", CType(param.DType), name))
		case methods.KindArray, methods.KindVector:
			params = append(params, fmt.Sprintf("__global %s *%s", CType(param.DType), name),
				fmt.Sprintf("const int %s_len", name))
		case methods.KindObject:
			// Opaque objects stay on the host.
		}
	}
	name := Identifier(p.Name)
	if p.Result != dtypes.InvalidDType {
		return fmt.Sprintf("%s %s(%s)", CType(p.Result), name, strings.Join(params, ", "))
	}
	return fmt.Sprintf("__kernel __attribute__((reqd_work_group_size(%d, 1, 1))) void %s(%s)",
		max(p.TileSize, 1), name, strings.Join(params, ", "))
}

func functionTree(p *Program, functions []*Program) *block {
	b := &block{header: signature(p)}
	if p.Parallel {
		b.add("const int gid = get_global_id(0);")
		b.add("if (gid >= %s) return;", globalSizeString(p))
	}
	for ii, instr := range p.Instrs {
		reg := fmt.Sprintf("r%d", ii)
		def := fmt.Sprintf("%s %s", CType(instr.DType), reg)
		arg := func(jj int) string { return fmt.Sprintf("r%d", instr.Args[jj]) }
		switch op := instr.Op; {
		case op == ir.OpParameter:
			b.add("%s = %s;", def, paramName(p, instr.Param))
		case op == ir.OpConstant:
			b.add("%s = %s;", def, literal(instr.DType, instr.Const))
		case op == ir.OpParallelIndex:
			b.add("%s = gid;", def)
		case op == ir.OpLength:
			if instr.Lanes > 1 {
				b.add("%s = %s_len / %d;", def, paramName(p, instr.Param), instr.Lanes)
			} else {
				b.add("%s = %s_len;", def, paramName(p, instr.Param))
			}
		case op == ir.OpLoad:
			b.add("%s = %s[%s];", def, paramName(p, instr.Param), elementIndex(instr))
		case op == ir.OpStore:
			b.add("%s[%s] = %s;", paramName(p, instr.Param), elementIndex(instr), arg(1))
		case op == ir.OpConvert:
			b.add("%s = (%s) %s;", def, CType(instr.DType), arg(0))
		case op == ir.OpInvoke:
			args := make([]string, len(instr.Args))
			for jj := range instr.Args {
				args[jj] = arg(jj)
			}
			b.add("%s = %s(%s);", def, Identifier(functions[instr.Callee].Name), strings.Join(args, ", "))
		case op == ir.OpReturn:
			b.add("return %s;", arg(0))
		case instr.Intrinsic != "":
			if op.IsBinary() {
				b.add("%s = %s(%s, %s);", def, instr.Intrinsic, arg(0), arg(1))
			} else {
				b.add("%s = %s(%s);", def, instr.Intrinsic, arg(0))
			}
		case op.IsBinary():
			b.add("%s = %s %s %s;", def, arg(0), binaryOperator(op), arg(1))
		case op == ir.OpNeg:
			b.add("%s = -%s;", def, arg(0))
		default:
			b.add("// unsupported %s", op)
		}
	}
	return b
}

func elementIndex(instr Instr) string {
	if instr.Lanes <= 1 {
		return fmt.Sprintf("r%d", instr.Args[0])
	}
	return fmt.Sprintf("r%d * %d + %d", instr.Args[0], instr.Lanes, instr.Lane)
}

func binaryOperator(op ir.Op) string {
	switch op {
	case ir.OpAdd:
		return "+"
	case ir.OpSub:
		return "-"
	case ir.OpMul:
		return "*"
	case ir.OpDiv:
		return "/"
	}
	return "?"
}
