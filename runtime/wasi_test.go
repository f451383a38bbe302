package runtime_test

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mrhapile/wasi-plugin-host/internal/wasmtest"
	"github.com/mrhapile/wasi-plugin-host/runtime"
)

var _ = Describe("Environment", func() {
	var (
		art     *runtime.Artifact
		sinkDir string
	)

	BeforeEach(func() {
		sinkDir = GinkgoT().TempDir()
		art = &runtime.Artifact{
			Name:   "dotnetapp",
			Path:   "/srv/plugins/dotnetapp/dotnet.wasm",
			Dir:    "/srv/plugins/dotnetapp",
			Format: runtime.FormatComponent,
		}
	})

	Describe("BuildEnvironment", func() {
		It("should lay out argv as file name, plugin, verb, path", func() {
			env, err := runtime.BuildEnvironment(art, runtime.Request{Method: "GET", Path: "/api/math/5/3"},
				runtime.EnvOptions{TempDir: sinkDir, PositionalBody: true})
			Expect(err).NotTo(HaveOccurred())
			defer env.Release()

			Expect(env.Args).To(Equal([]string{"dotnet.wasm", "dotnetapp", "GET", "/api/math/5/3"}))
		})

		It("should append a non-empty body", func() {
			env, err := runtime.BuildEnvironment(art,
				runtime.Request{Method: "POST", Path: "/api/echo", Body: `{"msg":"hi"}`},
				runtime.EnvOptions{TempDir: sinkDir, PositionalBody: true})
			Expect(err).NotTo(HaveOccurred())
			defer env.Release()

			Expect(env.Args).To(HaveLen(5))
			Expect(env.Args[4]).To(Equal(`{"msg":"hi"}`))
		})

		It("should leave the body out when positional bodies are disabled", func() {
			env, err := runtime.BuildEnvironment(art,
				runtime.Request{Method: "POST", Path: "/api/echo", Body: "x"},
				runtime.EnvOptions{TempDir: sinkDir})
			Expect(err).NotTo(HaveOccurred())
			defer env.Release()

			Expect(env.Args).To(HaveLen(4))
		})

		It("should set PWD and mount the plugin directory read-only at /", func() {
			env, err := runtime.BuildEnvironment(art, runtime.Request{Method: "GET", Path: "/"},
				runtime.EnvOptions{TempDir: sinkDir})
			Expect(err).NotTo(HaveOccurred())
			defer env.Release()

			Expect(env.Env).To(Equal(map[string]string{"PWD": "/"}))
			Expect(env.EnvPairs()).To(Equal([]string{"PWD=/"}))
			Expect(env.Mounts).To(ConsistOf(runtime.Mount{
				HostDir: "/srv/plugins/dotnetapp", GuestPath: "/", ReadOnly: true,
			}))
			Expect(env.Stdin).To(Equal(os.Stdin))
		})

		It("should create uniquely named sinks and remove them on release", func() {
			a, err := runtime.BuildEnvironment(art, runtime.Request{}, runtime.EnvOptions{TempDir: sinkDir})
			Expect(err).NotTo(HaveOccurred())
			b, err := runtime.BuildEnvironment(art, runtime.Request{}, runtime.EnvOptions{TempDir: sinkDir})
			Expect(err).NotTo(HaveOccurred())

			Expect(a.ID).NotTo(Equal(b.ID))
			paths := append(a.SinkPaths(), b.SinkPaths()...)
			Expect(paths).To(HaveLen(4))
			for _, p := range paths {
				Expect(p).To(BeAnExistingFile())
				Expect(filepath.Base(p)).To(HavePrefix("dotnetapp-"))
			}
			Expect(filepath.Base(a.SinkPaths()[0])).To(ContainSubstring(a.ID[:8] + "-stdout-"))
			Expect(filepath.Base(a.SinkPaths()[1])).To(ContainSubstring(a.ID[:8] + "-stderr-"))

			Expect(a.Release()).To(Succeed())
			Expect(b.Release()).To(Succeed())
			for _, p := range paths {
				Expect(p).NotTo(BeAnExistingFile())
			}

			// idempotent
			Expect(a.Release()).To(Succeed())
		})

		It("should read back what was written to the sinks", func() {
			env, err := runtime.BuildEnvironment(art, runtime.Request{}, runtime.EnvOptions{TempDir: sinkDir})
			Expect(err).NotTo(HaveOccurred())
			defer env.Release()

			_, err = env.Stdout.WriteString("out\n")
			Expect(err).NotTo(HaveOccurred())
			_, err = env.Stderr.WriteString("err\n")
			Expect(err).NotTo(HaveOccurred())

			out, err := env.Capture()
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(runtime.CapturedOutput{Stdout: "out\n", Stderr: "err\n"}))
		})
	})

	// =========================================================================
	// TEST: What the guest actually observes
	// Why: argv and environment are the request encoding of command-style
	//      plugins; a session must hand them over exactly.
	// =========================================================================
	Describe("inside a session", func() {
		It("should expose argv and the environment to the guest", func(ctx SpecContext) {
			h := newHarness()
			h.install("echo", wasmtest.EchoArgs())
			loaded, err := h.loader.Load(ctx, "echo")
			Expect(err).NotTo(HaveOccurred())

			env, err := runtime.BuildEnvironment(loaded,
				runtime.Request{Method: "POST", Path: "/api/echo", Body: "payload"},
				runtime.EnvOptions{TempDir: sinkDir, PositionalBody: true})
			Expect(err).NotTo(HaveOccurred())
			defer env.Release()

			compiled, err := loaded.Module()
			Expect(err).NotTo(HaveOccurred())
			links, err := runtime.NewLinkTable(loaded.Imports)
			Expect(err).NotTo(HaveOccurred())
			Expect(links.WASI).To(BeTrue())

			sess, err := compiled.NewSession(ctx, links, env)
			Expect(err).NotTo(HaveOccurred())
			exit, err := sess.Run(ctx, runtime.DefaultEntry)
			Expect(err).NotTo(HaveOccurred())
			Expect(exit.Trapped).To(BeFalse())
			Expect(sess.Close(ctx)).To(Succeed())

			out, err := env.Capture()
			Expect(err).NotTo(HaveOccurred())
			argv := strings.Split(strings.TrimRight(out.Stdout, "\x00"), "\x00")
			Expect(argv).To(Equal([]string{"echo.wasm", "echo", "POST", "/api/echo", "payload"}))
			Expect(strings.TrimRight(out.Stderr, "\x00")).To(Equal("PWD=/"))
		})

		It("should report a missing entry point", func(ctx SpecContext) {
			h := newHarness()
			h.install("calc", wasmtest.Calc())
			loaded, err := h.loader.Load(ctx, "calc")
			Expect(err).NotTo(HaveOccurred())
			compiled, err := loaded.Module()
			Expect(err).NotTo(HaveOccurred())

			sess, err := compiled.NewSession(ctx, &runtime.LinkTable{}, nil)
			Expect(err).NotTo(HaveOccurred())
			defer sess.Close(ctx)

			_, err = sess.Run(ctx, runtime.DefaultEntry)
			Expect(err).To(MatchError(runtime.ErrExportNotFound))
			_, delivered := sess.Delivered()
			Expect(delivered).To(BeFalse())
		})
	})
})
