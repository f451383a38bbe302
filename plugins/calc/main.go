//go:build wasip1

// Command calc is a reactor plugin exporting (i32, i32) -> i32 arithmetic.
// Build with -buildmode=c-shared.
package main

//go:wasmexport add
func add(a, b int32) int32 { return a + b }

//go:wasmexport subtract
func subtract(a, b int32) int32 { return a - b }

//go:wasmexport multiply
func multiply(a, b int32) int32 { return a * b }

// divide returns 0 when b is 0.
//
//go:wasmexport divide
func divide(a, b int32) int32 {
	if b == 0 {
		return 0
	}
	return a / b
}

func main() {}
