package hooking

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
)

type recordingHook struct {
	count int
	last  HookCtx
}

func (h *recordingHook) Func(ctx HookCtx) {
	h.count++
	h.last = ctx
}

type fieldItem struct{ pid int }

func (i fieldItem) Fields() logrus.Fields {
	return logrus.Fields{"pid": i.pid}
}

var _ = Describe("HookableBase", func() {
	var base *HookableBase

	BeforeEach(func() {
		base = &HookableBase{}
	})

	It("should invoke registered hooks", func() {
		hook := &recordingHook{}
		base.AcceptHook(hook)

		pos := &HookPos{Name: "Dispatch"}
		base.InvokeHook(HookCtx{Pos: pos, Item: 3})

		Expect(hook.count).To(Equal(1))
		Expect(hook.last.Pos).To(BeIdenticalTo(pos))
		Expect(hook.last.Item).To(Equal(3))
		Expect(base.NumHooks()).To(Equal(1))
	})

	It("should reject the same hook twice", func() {
		hook := &recordingHook{}
		base.AcceptHook(hook)

		Expect(func() { base.AcceptHook(hook) }).To(Panic())
	})

	It("should accept function hooks", func() {
		called := 0
		base.AcceptHook(HookFunc(func(HookCtx) { called++ }))
		base.AcceptHook(HookFunc(func(HookCtx) { called++ }))

		base.InvokeHook(HookCtx{})

		Expect(called).To(Equal(2))
		Expect(base.Hooks()).To(HaveLen(2))
	})
})

var _ = Describe("LogHook", func() {
	It("should write item fields", func() {
		buf := new(bytes.Buffer)
		logger := logrus.New()
		logger.SetOutput(buf)
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

		hook := NewLogHook(logger)
		hook.Func(HookCtx{
			Pos:  &HookPos{Name: "Evict"},
			Item: fieldItem{pid: 7},
		})

		Expect(buf.String()).To(ContainSubstring("pos=Evict"))
		Expect(buf.String()).To(ContainSubstring("pid=7"))
	})
})

var _ = Describe("CountingHook", func() {
	It("should count each position", func() {
		hook := NewCountingHook()
		evict := &HookPos{Name: "Evict"}
		swapIn := &HookPos{Name: "SwapIn"}

		hook.Func(HookCtx{Pos: swapIn})
		hook.Func(HookCtx{Pos: evict})
		hook.Func(HookCtx{Pos: evict})
		hook.Func(HookCtx{})

		Expect(hook.Names()).To(Equal([]string{"SwapIn", "Evict"}))
		Expect(hook.Count("Evict")).To(Equal(uint64(2)))
		Expect(hook.Count("Dispatch")).To(BeZero())
	})
})
