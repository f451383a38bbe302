package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"

	"github.com/mrhapile/wasi-plugin-host/internal/wasmtest"
	"github.com/mrhapile/wasi-plugin-host/runtime"
)

func invocationError(err error) *runtime.InvocationError {
	var ie *runtime.InvocationError
	Expect(errors.As(err, &ie)).To(BeTrue(), "expected an InvocationError, got %v", err)
	return ie
}

var _ = Describe("Invoker", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness()
	})

	// =========================================================================
	// Direct call mode
	// =========================================================================
	Describe("Call", func() {
		var inv *runtime.Invoker

		BeforeEach(func() {
			h.install("calc", wasmtest.Calc())
			inv = h.invoker(runtime.Options{Timeout: 5 * time.Second})
		})

		DescribeTable("arithmetic exports",
			func(op string, a, b, want int32) {
				got, err := inv.Call(context.Background(), "calc", op, a, b)
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal(want))
			},
			Entry("add", "add", int32(5), int32(3), int32(8)),
			Entry("subtract", "subtract", int32(5), int32(3), int32(2)),
			Entry("multiply", "multiply", int32(5), int32(3), int32(15)),
			Entry("divide", "divide", int32(7), int32(2), int32(3)),
			Entry("divide by zero", "divide", int32(7), int32(0), int32(0)),
			Entry("negative divide", "divide", int32(-7), int32(2), int32(-3)),
			Entry("negative divisor", "divide", int32(7), int32(-2), int32(-3)),
			Entry("negative operands", "multiply", int32(-4), int32(6), int32(-24)),
			Entry("wrapping add", "add", int32(math.MaxInt32), int32(1), int32(math.MinInt32)),
			Entry("case-insensitive op", "ADD", int32(2), int32(2), int32(4)),
		)

		// =====================================================================
		// TEST: Round-trip arithmetic identities
		// Why: The typed return value is authoritative; the guest's two's
		//      complement arithmetic must come back unchanged.
		// =====================================================================
		It("should satisfy add/subtract identities", func(ctx SpecContext) {
			t := GinkgoT()
			samples := []int32{0, 1, -1, 7, -13, 1 << 20, math.MaxInt32, math.MinInt32}
			for _, a := range samples {
				for _, b := range samples {
					sum, err := inv.Call(ctx, "calc", "add", a, b)
					assert.NoError(t, err)
					back, err := inv.Call(ctx, "calc", "subtract", sum, b)
					assert.NoError(t, err)
					assert.Equal(t, a, back, "(%d + %d) - %d", a, b, b)

					if b != 0 && !(a == math.MinInt32 && b == -1) {
						q, err := inv.Call(ctx, "calc", "divide", a, b)
						assert.NoError(t, err)
						assert.Equal(t, a/b, q, "%d / %d", a, b)
					}
				}
			}
		})

		It("should report a missing export", func(ctx SpecContext) {
			_, err := inv.Call(ctx, "calc", "modulo", 1, 2)

			Expect(err).To(MatchError(runtime.ErrExportNotFound))
			ie := invocationError(err)
			Expect(ie.Plugin).To(Equal("calc"))
			Expect(ie.Op).To(Equal("modulo"))
		})

		It("should report an export with the wrong signature", func(ctx SpecContext) {
			_, err := inv.Call(ctx, "calc", "negate", 1, 2)

			Expect(err).To(MatchError(runtime.ErrExportNotFound))
		})

		It("should report a guest trap", func(ctx SpecContext) {
			_, err := inv.Call(ctx, "calc", "divide", math.MinInt32, -1)

			Expect(err).To(MatchError(runtime.ErrRuntimeTrap))
			Expect(runtime.KindOf(err)).To(Equal(runtime.ErrRuntimeTrap))
		})

		It("should report a missing plugin", func(ctx SpecContext) {
			_, err := inv.Call(ctx, "nope", "add", 1, 2)

			Expect(err).To(MatchError(runtime.ErrArtifactNotFound))
		})

		It("should refuse a component", func(ctx SpecContext) {
			h.install("app", wasmtest.Component())

			_, err := inv.Call(ctx, "app", "add", 1, 2)
			Expect(err).To(MatchError(runtime.ErrFormatMismatch))
		})

		It("should refuse a module with unsatisfiable imports", func(ctx SpecContext) {
			h.install("magic", wasmtest.UnsatisfiedImport())

			_, err := inv.Call(ctx, "magic", "add", 1, 2)
			Expect(err).To(MatchError(runtime.ErrImportUnsatisfied))
			Expect(err.Error()).To(ContainSubstring("env.host_magic"))
		})

		// =====================================================================
		// TEST: Concurrent calls are isolated
		// Why: Every call instantiates its own session over the shared
		//      compiled module; results must never bleed between callers.
		// =====================================================================
		It("should serve concurrent callers independently", func(ctx SpecContext) {
			const callers = 64
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int32) {
					defer GinkgoRecover()
					defer wg.Done()
					got, err := inv.Call(ctx, "calc", "multiply", i, i+1)
					Expect(err).NotTo(HaveOccurred())
					Expect(got).To(Equal(i * (i + 1)))
				}(int32(i))
			}
			wg.Wait()
		})
	})

	// =========================================================================
	// Command mode
	// =========================================================================
	Describe("Invoke", func() {
		var (
			inv     *runtime.Invoker
			sinkDir string
			req     runtime.Request
		)

		BeforeEach(func() {
			sinkDir = GinkgoT().TempDir()
			inv = h.invoker(runtime.Options{
				Timeout:        5 * time.Second,
				TempDir:        sinkDir,
				PositionalBody: true,
			})
			req = runtime.Request{Method: "GET", Path: "/math/5/3"}
		})

		// Every invocation must leave the sink directory empty.
		AfterEach(func() {
			entries, err := os.ReadDir(sinkDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("should extract the payload from noisy output", func(ctx SpecContext) {
			h.install("math", wasmtest.Command{
				Stdout: "Mono runtime starting\r\n  {\"addition\":8,\"division\":1.6666666666666667}  \nshutdown\n",
				Stderr: "warning: deprecated API\n",
			}.Wasm())

			res, err := inv.Invoke(ctx, "math", req)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Payload).To(Equal(`{"addition":8,"division":1.6666666666666667}`))
			Expect(res.Source).To(Equal("stdout"))
			Expect(res.Stderr).To(ContainSubstring("deprecated"))
			Expect(res.Exit.Trapped).To(BeFalse())
			Expect(res.InvocationID).NotTo(BeEmpty())
			Expect(gjson.Get(res.Payload, "addition").Int()).To(Equal(int64(8)))
		})

		It("should accept an array payload and proc_exit(0)", func(ctx SpecContext) {
			h.install("list", wasmtest.Command{Stdout: "[1,2,3]\n", Exit: true}.Wasm())

			res, err := inv.Invoke(ctx, "list", req)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Payload).To(Equal("[1,2,3]"))
			Expect(res.Exit).To(Equal(runtime.Exit{}))
		})

		It("should fail with the raw output when no payload is printed", func(ctx SpecContext) {
			h.install("quiet", wasmtest.Command{Stdout: "hello\nworld\n"}.Wasm())

			_, err := inv.Invoke(ctx, "quiet", req)
			Expect(err).To(MatchError(runtime.ErrNoPayloadFound))
			ie := invocationError(err)
			Expect(ie.Detail).To(Equal("hello\nworld\n"))
			Expect(ie.Op).To(Equal("GET /math/5/3"))
		})

		It("should fail when the guest prints nothing at all", func(ctx SpecContext) {
			h.install("silent", wasmtest.Command{}.Wasm())

			_, err := inv.Invoke(ctx, "silent", req)
			Expect(err).To(MatchError(runtime.ErrNoPayloadFound))
		})

		It("should report a trap with the captured stderr", func(ctx SpecContext) {
			h.install("crash", wasmtest.Command{
				Stdout: "about to fail\n",
				Stderr: "Unhandled exception: boom\n",
				Trap:   true,
			}.Wasm())

			_, err := inv.Invoke(ctx, "crash", req)
			Expect(err).To(MatchError(runtime.ErrRuntimeTrap))
			Expect(invocationError(err).Detail).To(ContainSubstring("boom"))
		})

		It("should report a non-zero exit without payload as a trap", func(ctx SpecContext) {
			h.install("exit3", wasmtest.Command{Exit: true, ExitCode: 3}.Wasm())

			_, err := inv.Invoke(ctx, "exit3", req)
			Expect(err).To(MatchError(runtime.ErrRuntimeTrap))
			Expect(invocationError(err).Detail).To(ContainSubstring("exit code 3"))
		})

		// =====================================================================
		// TEST: Payload presence decides success
		// Why: Guests built on heavyweight runtimes often crash or exit
		//      non-zero during shutdown after the response was printed.
		// =====================================================================
		It("should succeed when a payload precedes a trap", func(ctx SpecContext) {
			h.install("flaky", wasmtest.Command{Stdout: "{\"ok\":true}\n", Trap: true}.Wasm())

			res, err := inv.Invoke(ctx, "flaky", req)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Payload).To(Equal(`{"ok":true}`))
			Expect(res.Exit.Trapped).To(BeTrue())
		})

		It("should succeed when a payload precedes a non-zero exit", func(ctx SpecContext) {
			h.install("flaky", wasmtest.Command{Stdout: "{\"ok\":true}\n", Exit: true, ExitCode: 1}.Wasm())

			res, err := inv.Invoke(ctx, "flaky", req)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Exit.Code).To(Equal(uint32(1)))
		})

		It("should prefer a payload delivered through the host capability", func(ctx SpecContext) {
			h.install("direct", wasmtest.Command{
				Stdout: "{\"from\":\"stdout\"}\n",
				Result: `{"from":"host"}`,
			}.Wasm())

			res, err := inv.Invoke(ctx, "direct", req)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Source).To(Equal("host"))
			Expect(gjson.Get(res.Payload, "from").String()).To(Equal("host"))
		})

		It("should trap a guest handing back an out-of-range buffer", func(ctx SpecContext) {
			h.install("oob", wasmtest.Command{BadResult: true}.Wasm())

			_, err := inv.Invoke(ctx, "oob", req)
			Expect(err).To(MatchError(runtime.ErrRuntimeTrap))
		})

		It("should abort a guest that overruns its budget", func(ctx SpecContext) {
			h.install("spin", wasmtest.Command{Stdout: "{\"partial\":true}\n", Hang: true}.Wasm())
			inv = h.invoker(runtime.Options{Timeout: 200 * time.Millisecond, TempDir: sinkDir})

			start := time.Now()
			_, err := inv.Invoke(ctx, "spin", req)
			Expect(err).To(MatchError(runtime.ErrTimeout))
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		}, SpecTimeout(10*time.Second))

		It("should refuse a module with unsatisfiable imports", func(ctx SpecContext) {
			h.install("magic", wasmtest.UnsatisfiedImport())

			_, err := inv.Invoke(ctx, "magic", req)
			Expect(err).To(MatchError(runtime.ErrImportUnsatisfied))
		})

		It("should refuse a component when no runner is configured", func(ctx SpecContext) {
			h.install("app", wasmtest.Component("wasi:cli/stdout@0.2.0"))

			_, err := inv.Invoke(ctx, "app", req)
			Expect(err).To(MatchError(runtime.ErrFormatMismatch))
		})

		It("should report a missing plugin", func(ctx SpecContext) {
			_, err := inv.Invoke(ctx, "nope", req)
			Expect(err).To(MatchError(runtime.ErrArtifactNotFound))
		})

		// =====================================================================
		// TEST: Read-only plugin directory
		// Why: The guest sees its own directory as "/" and may read bundled
		//      files, but must never modify the host filesystem.
		// =====================================================================
		Context("with the plugin directory mounted", func() {
			It("should let the guest read bundled files", func(ctx SpecContext) {
				h.install("reader", wasmtest.OpenFile("settings.json", false))
				Expect(os.WriteFile(filepath.Join(h.root, "reader", "settings.json"),
					[]byte("{\"greeting\":\"hi\"}\n"), 0644)).To(Succeed())

				res, err := inv.Invoke(ctx, "reader", req)
				Expect(err).NotTo(HaveOccurred())
				Expect(gjson.Get(res.Payload, "greeting").String()).To(Equal("hi"))
			})

			It("should refuse writes", func(ctx SpecContext) {
				h.install("writer", wasmtest.OpenFile("created.json", true))

				_, err := inv.Invoke(ctx, "writer", req)
				Expect(err).To(MatchError(runtime.ErrRuntimeTrap))
				Expect(filepath.Join(h.root, "writer", "created.json")).NotTo(BeAnExistingFile())
			})
		})

		It("should run concurrent invocations in isolation", func(ctx SpecContext) {
			h.install("echo", wasmtest.EchoLastArg())
			inv = h.invoker(runtime.Options{
				Timeout:        5 * time.Second,
				TempDir:        sinkDir,
				MaxConcurrent:  4,
				PositionalBody: true,
			})

			const callers = 24
			ids := make([]string, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					path := fmt.Sprintf("/math/%d/%d", i, i+1)
					body := fmt.Sprintf(`{"caller":%d,"path":%q}`, i, path)

					res, err := inv.Invoke(ctx, "echo", runtime.Request{Method: "POST", Path: path, Body: body})
					Expect(err).NotTo(HaveOccurred())
					Expect(res.Payload).To(Equal(body))
					Expect(gjson.Get(res.Payload, "caller").Int()).To(Equal(int64(i)))
					Expect(gjson.Get(res.Payload, "path").String()).To(Equal(path))
					ids[i] = res.InvocationID
				}(i)
			}
			wg.Wait()

			seen := map[string]bool{}
			for _, id := range ids {
				Expect(seen).NotTo(HaveKey(id))
				seen[id] = true
			}
		})
	})
})
