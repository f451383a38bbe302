// Package wasmtest assembles small WebAssembly binaries for tests, so the
// runtime can be exercised without a guest toolchain.
package wasmtest

import "bytes"

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11
)

type funcType struct {
	params, results []byte
}

type funcImport struct {
	module, name string
	typ          uint32
}

type funcDef struct {
	typ    uint32
	export string
	locals []byte
	body   []byte
}

type dataSeg struct {
	offset uint32
	data   []byte
}

// Builder assembles a core module. Imports must be declared before any
// function is defined, since function indices count imports first.
type Builder struct {
	types   []funcType
	imports []funcImport
	funcs   []funcDef
	memory  uint32 // pages; 0 means no memory
	data    []dataSeg
}

func (b *Builder) typeIndex(params, results []byte) uint32 {
	for i, t := range b.types {
		if bytes.Equal(t.params, params) && bytes.Equal(t.results, results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// Import declares an imported function and returns its function index.
func (b *Builder) Import(module, name string, params, results []byte) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: import declared after a function definition")
	}
	b.imports = append(b.imports, funcImport{module: module, name: name, typ: b.typeIndex(params, results)})
	return uint32(len(b.imports) - 1)
}

// Func defines a function, exported under export unless it is empty, and
// returns its index. body is the instruction sequence without the final end.
func (b *Builder) Func(export string, params, results, locals []byte, body ...[]byte) uint32 {
	b.funcs = append(b.funcs, funcDef{
		typ:    b.typeIndex(params, results),
		export: export,
		locals: locals,
		body:   bytes.Join(body, nil),
	})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Memory declares one exported linear memory named "memory".
func (b *Builder) Memory(pages uint32) {
	b.memory = pages
}

// Data places bytes in memory at offset.
func (b *Builder) Data(offset uint32, data []byte) {
	b.data = append(b.data, dataSeg{offset: offset, data: data})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		var s []byte
		s = append(s, uleb(uint32(len(b.types)))...)
		for _, t := range b.types {
			s = append(s, 0x60)
			s = append(s, vec(t.params)...)
			s = append(s, vec(t.results)...)
		}
		out = section(out, sectionType, s)
	}

	if len(b.imports) > 0 {
		var s []byte
		s = append(s, uleb(uint32(len(b.imports)))...)
		for _, imp := range b.imports {
			s = append(s, name(imp.module)...)
			s = append(s, name(imp.name)...)
			s = append(s, 0x00)
			s = append(s, uleb(imp.typ)...)
		}
		out = section(out, sectionImport, s)
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = append(s, uleb(uint32(len(b.funcs)))...)
		for _, f := range b.funcs {
			s = append(s, uleb(f.typ)...)
		}
		out = section(out, sectionFunction, s)
	}

	if b.memory > 0 {
		s := []byte{0x01, 0x00}
		s = append(s, uleb(b.memory)...)
		out = section(out, sectionMemory, s)
	}

	var exports []byte
	count := uint32(0)
	for i, f := range b.funcs {
		if f.export == "" {
			continue
		}
		exports = append(exports, name(f.export)...)
		exports = append(exports, 0x00)
		exports = append(exports, uleb(uint32(len(b.imports)+i))...)
		count++
	}
	if b.memory > 0 {
		exports = append(exports, name("memory")...)
		exports = append(exports, 0x02, 0x00)
		count++
	}
	if count > 0 {
		out = section(out, sectionExport, append(uleb(count), exports...))
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = append(s, uleb(uint32(len(b.funcs)))...)
		for _, f := range b.funcs {
			var body []byte
			// one local group per declared local
			body = append(body, uleb(uint32(len(f.locals)))...)
			for _, l := range f.locals {
				body = append(body, 0x01, l)
			}
			body = append(body, f.body...)
			body = append(body, opEnd)
			s = append(s, uleb(uint32(len(body)))...)
			s = append(s, body...)
		}
		out = section(out, sectionCode, s)
	}

	if len(b.data) > 0 {
		var s []byte
		s = append(s, uleb(uint32(len(b.data)))...)
		for _, d := range b.data {
			s = append(s, 0x00)
			s = append(s, I32Const(int32(d.offset))...)
			s = append(s, opEnd)
			s = append(s, uleb(uint32(len(d.data)))...)
			s = append(s, d.data...)
		}
		out = section(out, sectionData, s)
	}

	return out
}

func section(out []byte, id byte, body []byte) []byte {
	out = append(out, id)
	out = append(out, uleb(uint32(len(body)))...)
	return append(out, body...)
}

func vec(types []byte) []byte {
	return append(uleb(uint32(len(types))), types...)
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
