package runtime

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
)

// Format tags the binary shape of an artifact. It decides which
// link/instantiate pathway an invocation takes.
type Format int

const (
	FormatModule Format = iota + 1
	FormatComponent
)

func (f Format) String() string {
	switch f {
	case FormatModule:
		return "module"
	case FormatComponent:
		return "component"
	default:
		return "unknown"
	}
}

var (
	wasmMagic       = []byte{0x00, 0x61, 0x73, 0x6d}
	moduleVersion   = []byte{0x01, 0x00, 0x00, 0x00}
	componentPrefix = []byte{0x0d, 0x00, 0x01, 0x00} // version 0x0d, layer 1
)

// DetectFormat inspects the 8-byte preamble of a WebAssembly binary.
func DetectFormat(header []byte) (Format, error) {
	if len(header) < 8 || !bytes.Equal(header[:4], wasmMagic) {
		return 0, fmt.Errorf("%w: missing wasm magic", ErrMalformedArtifact)
	}
	switch {
	case bytes.Equal(header[4:8], moduleVersion):
		return FormatModule, nil
	case bytes.Equal(header[4:8], componentPrefix):
		return FormatComponent, nil
	default:
		return 0, fmt.Errorf("%w: unsupported version % x", ErrMalformedArtifact, header[4:8])
	}
}

// Import is one capability an artifact declares it needs. For components
// Module holds the full import name (e.g. "wasi:cli/stdout@0.2.0") and Name
// is empty.
type Import struct {
	Module string
	Name   string
	Kind   string
}

func (i Import) String() string {
	if i.Name == "" {
		return i.Module
	}
	return i.Module + "." + i.Name
}

// Artifact is a loaded plugin binary. It is immutable once loaded and safe
// to share across concurrent invocations; every invocation gets its own
// Session over it.
type Artifact struct {
	Name    string
	Path    string
	Dir     string
	Format  Format
	Imports []Import

	compiled Compiled
}

// FileName is the artifact's base name, used as argv[0] for command runs.
func (a *Artifact) FileName() string {
	return filepath.Base(a.Path)
}

// Module returns the compiled module. It fails with ErrFormatMismatch when
// the artifact is a component.
func (a *Artifact) Module() (Compiled, error) {
	if a.Format != FormatModule || a.compiled == nil {
		return nil, fmt.Errorf("%w: %s is a WebAssembly %s, expected a module", ErrFormatMismatch, a.Path, a.Format)
	}
	return a.compiled, nil
}

// ComponentImports returns the component's declared imports. It fails with
// ErrFormatMismatch when the artifact is a flat module.
func (a *Artifact) ComponentImports() ([]Import, error) {
	if a.Format != FormatComponent {
		return nil, fmt.Errorf("%w: %s is a WebAssembly %s, expected a component", ErrFormatMismatch, a.Path, a.Format)
	}
	return a.Imports, nil
}

// byteReader walks a wasm binary. Every read reports truncation as a
// malformed artifact.
type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) eof() bool { return r.off >= len(r.buf) }

func (r *byteReader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, fmt.Errorf("%w: unexpected end of binary at offset %d", ErrMalformedArtifact, r.off)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *byteReader) u32() (uint32, error) {
	var result uint32
	for shift := 0; shift < 35; shift += 7 {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
	}
	return 0, fmt.Errorf("%w: LEB128 overflow at offset %d", ErrMalformedArtifact, r.off)
}

func (r *byteReader) bytes(n uint32) ([]byte, error) {
	if uint64(r.off)+uint64(n) > uint64(len(r.buf)) {
		return nil, fmt.Errorf("%w: section overruns binary at offset %d", ErrMalformedArtifact, r.off)
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

func (r *byteReader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *byteReader) limits() error {
	flag, err := r.byte()
	if err != nil {
		return err
	}
	if _, err := r.u32(); err != nil {
		return err
	}
	if flag&0x01 != 0 {
		_, err = r.u32()
	}
	return err
}

// sections iterates the top-level sections following the preamble.
func sections(bin []byte, fn func(id byte, body []byte) error) error {
	r := &byteReader{buf: bin, off: 8}
	for !r.eof() {
		id, err := r.byte()
		if err != nil {
			return err
		}
		size, err := r.u32()
		if err != nil {
			return err
		}
		body, err := r.bytes(size)
		if err != nil {
			return err
		}
		if err := fn(id, body); err != nil {
			return err
		}
	}
	return nil
}

// parseModuleImports reads the import section of a flat module.
func parseModuleImports(bin []byte) ([]Import, error) {
	var imports []Import
	err := sections(bin, func(id byte, body []byte) error {
		if id != 2 {
			return nil
		}
		r := &byteReader{buf: body}
		count, err := r.u32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			imp, _, err := readImport(r)
			if err != nil {
				return err
			}
			imports = append(imports, imp)
		}
		return nil
	})
	return imports, err
}

// readImport reads one import entry. typeIdx is set for function imports.
func readImport(r *byteReader) (imp Import, typeIdx uint32, err error) {
	if imp.Module, err = r.name(); err != nil {
		return imp, 0, err
	}
	if imp.Name, err = r.name(); err != nil {
		return imp, 0, err
	}
	kind, err := r.byte()
	if err != nil {
		return imp, 0, err
	}
	switch kind {
	case 0x00:
		imp.Kind = "func"
		typeIdx, err = r.u32()
	case 0x01:
		imp.Kind = "table"
		if _, err = r.byte(); err == nil {
			err = r.limits()
		}
	case 0x02:
		imp.Kind = "memory"
		err = r.limits()
	case 0x03:
		imp.Kind = "global"
		if _, err = r.byte(); err == nil {
			_, err = r.byte()
		}
	case 0x04:
		imp.Kind = "tag"
		if _, err = r.byte(); err == nil {
			_, err = r.u32()
		}
	default:
		err = fmt.Errorf("%w: unknown import kind 0x%02x", ErrMalformedArtifact, kind)
	}
	return imp, typeIdx, err
}

// Signature is the parameter and result value types of a function, as
// wasm type bytes (0x7f is i32).
type Signature struct {
	Params  []byte
	Results []byte
}

// Is reports whether every parameter and result is i32 with the given
// counts.
func (s Signature) Is(params, results int) bool {
	return len(s.Params) == params && len(s.Results) == results &&
		allBytes(s.Params, 0x7f) && allBytes(s.Results, 0x7f)
}

func allBytes(b []byte, v byte) bool {
	for _, c := range b {
		if c != v {
			return false
		}
	}
	return true
}

// parseExportSignatures maps each exported function of a flat module to its
// signature. Only plain function types are understood.
func parseExportSignatures(bin []byte) (map[string]Signature, error) {
	var (
		types   []Signature
		funcs   []uint32 // type index per function index, imports first
		exports = map[string]Signature{}
	)
	valTypes := func(r *byteReader) ([]byte, error) {
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		return r.bytes(n)
	}

	err := sections(bin, func(id byte, body []byte) error {
		r := &byteReader{buf: body}
		switch id {
		case 1: // type
			count, err := r.u32()
			if err != nil {
				return err
			}
			for i := uint32(0); i < count; i++ {
				form, err := r.byte()
				if err != nil {
					return err
				}
				if form != 0x60 {
					return fmt.Errorf("%w: unsupported type form 0x%02x", ErrMalformedArtifact, form)
				}
				var sig Signature
				if sig.Params, err = valTypes(r); err != nil {
					return err
				}
				if sig.Results, err = valTypes(r); err != nil {
					return err
				}
				types = append(types, sig)
			}
		case 2: // import: only function imports take a function index
			count, err := r.u32()
			if err != nil {
				return err
			}
			for i := uint32(0); i < count; i++ {
				imp, idx, err := readImport(r)
				if err != nil {
					return err
				}
				if imp.Kind == "func" {
					funcs = append(funcs, idx)
				}
			}
		case 3: // function
			count, err := r.u32()
			if err != nil {
				return err
			}
			for i := uint32(0); i < count; i++ {
				idx, err := r.u32()
				if err != nil {
					return err
				}
				funcs = append(funcs, idx)
			}
		case 7: // export
			count, err := r.u32()
			if err != nil {
				return err
			}
			for i := uint32(0); i < count; i++ {
				name, err := r.name()
				if err != nil {
					return err
				}
				kind, err := r.byte()
				if err != nil {
					return err
				}
				idx, err := r.u32()
				if err != nil {
					return err
				}
				if kind != 0x00 {
					continue
				}
				if int(idx) >= len(funcs) || int(funcs[idx]) >= len(types) {
					return fmt.Errorf("%w: export %s refers to unknown function %d", ErrMalformedArtifact, name, idx)
				}
				exports[name] = types[funcs[idx]]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exports, nil
}

// parseComponentImports reads the top-level import section of a component.
// Only the names are kept; type descriptors are skipped.
func parseComponentImports(bin []byte) ([]Import, error) {
	var imports []Import
	err := sections(bin, func(id byte, body []byte) error {
		if id != 10 {
			return nil
		}
		r := &byteReader{buf: body}
		count, err := r.u32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			tag, err := r.byte()
			if err != nil {
				return err
			}
			name, err := r.name()
			if err != nil {
				return err
			}
			if tag == 0x01 {
				// version suffix
				if _, err := r.name(); err != nil {
					return err
				}
			} else if tag != 0x00 {
				return fmt.Errorf("%w: unknown import name tag 0x%02x", ErrMalformedArtifact, tag)
			}
			kind, err := componentExternDesc(r)
			if err != nil {
				return err
			}
			imports = append(imports, Import{Module: name, Kind: kind})
		}
		return nil
	})
	return imports, err
}

func componentExternDesc(r *byteReader) (string, error) {
	sort, err := r.byte()
	if err != nil {
		return "", err
	}
	switch sort {
	case 0x00:
		if _, err := r.byte(); err != nil {
			return "", err
		}
		_, err = r.u32()
		return "core-module", err
	case 0x01:
		_, err = r.u32()
		return "func", err
	case 0x02:
		if _, err := r.byte(); err != nil {
			return "", err
		}
		_, err = r.u32()
		return "value", err
	case 0x03:
		bound, err := r.byte()
		if err != nil {
			return "", err
		}
		if bound == 0x00 {
			_, err = r.u32()
		}
		return "type", err
	case 0x04:
		_, err = r.u32()
		return "component", err
	case 0x05:
		_, err = r.u32()
		return "instance", err
	default:
		return "", fmt.Errorf("%w: unknown extern sort 0x%02x", ErrMalformedArtifact, sort)
	}
}

// isWASIImport reports whether a component import belongs to the WASI surface.
func isWASIImport(imp Import) bool {
	return strings.HasPrefix(imp.Module, "wasi:")
}
