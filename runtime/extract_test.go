package runtime_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mrhapile/wasi-plugin-host/runtime"
)

var _ = Describe("ExtractPayload", func() {
	DescribeTable("finds the first structured line",
		func(stdout, want string) {
			got, err := runtime.ExtractPayload(runtime.CapturedOutput{Stdout: stdout})
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("bare object", `{"a":1}`, `{"a":1}`),
		Entry("bare array", "[1,2]", "[1,2]"),
		Entry("banner before", "runtime v8.0 ready\n{\"a\":1}\n", `{"a":1}`),
		Entry("trailer after", "{\"a\":1}\nbye\n", `{"a":1}`),
		Entry("CRLF line endings", "banner\r\n{\"a\":1}\r\n", `{"a":1}`),
		Entry("surrounding whitespace", "\n\t  {\"a\":1}  \t\n", `{"a":1}`),
		Entry("first of several", "{\"first\":1}\n{\"second\":2}\n", `{"first":1}`),
		Entry("blank lines between", "x\n\n\n\n[]\n", "[]"),
		Entry("not validated as JSON", "{not json", "{not json"),
	)

	DescribeTable("fails without a structured line",
		func(stdout string) {
			_, err := runtime.ExtractPayload(runtime.CapturedOutput{Stdout: stdout})
			Expect(err).To(MatchError(runtime.ErrNoPayloadFound))
		},
		Entry("empty", ""),
		Entry("only whitespace", " \r\n\t\n"),
		Entry("brace mid-line", "result: {\"a\":1}\n"),
		Entry("plain text", "hello world\n"),
	)

	It("should never look at stderr", func() {
		out := runtime.CapturedOutput{Stdout: "nothing here\n", Stderr: "{\"error\":\"boom\"}\n"}

		_, err := runtime.ExtractPayload(out)
		Expect(err).To(MatchError(runtime.ErrNoPayloadFound))

		out.Stdout = "{\"ok\":true}\n"
		got, err := runtime.ExtractPayload(out)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(`{"ok":true}`))
	})
})

var _ = Describe("Errors", func() {
	It("should expose both the kind and the cause", func() {
		cause := errors.New("wasm trap: unreachable")
		err := error(&runtime.InvocationError{
			Kind: runtime.ErrRuntimeTrap, Plugin: "math", Op: "GET /math/1/2", Err: cause,
		})

		Expect(err).To(MatchError(runtime.ErrRuntimeTrap))
		Expect(errors.Is(err, cause)).To(BeTrue())
		Expect(err.Error()).To(Equal("plugin math (GET /math/1/2): runtime trap: wasm trap: unreachable"))
	})

	It("should classify wrapped sentinels", func() {
		err := fmt.Errorf("load: %w", fmt.Errorf("%w: bad header", runtime.ErrMalformedArtifact))

		Expect(runtime.KindOf(err)).To(Equal(runtime.ErrMalformedArtifact))
		Expect(runtime.KindOf(errors.New("unrelated"))).To(BeNil())
	})
})

var _ = Describe("NewLinkTable", func() {
	wasi := func(name string) runtime.Import {
		return runtime.Import{Module: "wasi_snapshot_preview1", Name: name, Kind: "func"}
	}

	It("should link nothing for a module without imports", func() {
		links, err := runtime.NewLinkTable(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(links.Empty()).To(BeTrue())
	})

	It("should link WASI and the host capability when declared", func() {
		links, err := runtime.NewLinkTable([]runtime.Import{
			wasi("fd_write"), wasi("proc_exit"),
			{Module: runtime.HostModuleName, Name: "set_result", Kind: "func"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(links.WASI).To(BeTrue())
		Expect(links.Host).To(BeTrue())
	})

	It("should name every import it cannot satisfy", func() {
		_, err := runtime.NewLinkTable([]runtime.Import{
			wasi("fd_write"),
			wasi("fd_teleport"),
			{Module: "env", Name: "host_magic", Kind: "func"},
			{Module: "env", Name: "memory", Kind: "memory"},
		})
		Expect(err).To(MatchError(runtime.ErrImportUnsatisfied))
		Expect(err.Error()).To(ContainSubstring("wasi_snapshot_preview1.fd_teleport"))
		Expect(err.Error()).To(ContainSubstring("env.host_magic"))
		Expect(err.Error()).To(ContainSubstring("env.memory"))
		Expect(err.Error()).NotTo(ContainSubstring("fd_write"))
	})
})
