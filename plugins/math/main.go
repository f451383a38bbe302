//go:build wasip1

// Command math is a WASI command plugin. The host passes the request as
// argv: [file, plugin, method, path, body?]. For GET /math/{a}/{b} it prints
// the four arithmetic results as one JSON line among ordinary log lines.
// Division is not truncated and is null when b is 0.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type result struct {
	Addition       int64    `json:"addition"`
	Subtraction    int64    `json:"subtraction"`
	Multiplication int64    `json:"multiplication"`
	Division       *float64 `json:"division"`
}

func main() {
	if len(os.Args) < 4 {
		fmt.Println(`{"error": "Missing arguments"}`)
		os.Exit(1)
	}
	method, path := os.Args[2], os.Args[3]
	fmt.Fprintf(os.Stderr, "math: %s %s\n", method, path)

	a, b, ok := operands(method, path)
	if !ok {
		fmt.Println(`{"error":"Invalid request"}`)
		return
	}

	fmt.Printf("Calculating %d and %d\n", a, b)
	out := result{Addition: a + b, Subtraction: a - b, Multiplication: a * b}
	if b != 0 {
		q := float64(a) / float64(b)
		out.Division = &q
	}
	line, _ := json.Marshal(out)
	fmt.Println(string(line))
	fmt.Println("Done")
}

// operands accepts GET /math/{a}/{b}.
func operands(method, path string) (int64, int64, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if method != "GET" || len(parts) != 3 || parts[0] != "math" {
		return 0, 0, false
	}
	a, errA := strconv.ParseInt(parts[1], 10, 32)
	b, errB := strconv.ParseInt(parts[2], 10, 32)
	return a, b, errA == nil && errB == nil
}
