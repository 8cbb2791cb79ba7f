package interceptor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/dispatch"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/scheduler"
	"github.com/loqalabs/loqa-speak/internal/store"
	"github.com/loqalabs/loqa-speak/internal/tts"
)

type harness struct {
	in      *Interceptor
	store   *store.Store
	sched   *scheduler.Scheduler
	speaker *tts.Speaker
	cfg     config.Config
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, pct int) *harness {
	t.Helper()
	ctx := context.Background()
	logger := newLogger()

	cfg := config.Default()
	cfg.Scheduler.CycleLength = 10
	cfg.Scheduler.TriggerPercentage = pct
	cfg.Store.Path = filepath.Join(t.TempDir(), "speak.db")
	cfg.TTS.AudioDir = filepath.Join(t.TempDir(), "audio")

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	settings, err := st.Overlay(ctx, store.Defaults(cfg))
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	sched, err := scheduler.New(ctx, scheduler.Config{
		Mode:              scheduler.Mode(cfg.Scheduler.Mode),
		CycleLength:       settings.ProbabilityTotal,
		TriggerPercentage: settings.ProbabilityPercentage,
	}, st, logger)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	artifacts, err := tts.NewArtifacts(cfg.TTS.AudioDir, cfg.TTS.Format, logger)
	if err != nil {
		t.Fatalf("new artifacts: %v", err)
	}
	speaker := tts.NewSpeaker(tts.NewMockSynth(0), artifacts, settings.VoiceID, settings.ModelName)
	pipeline := dispatch.New(speaker, dispatch.Options{Pacing: -1}, logger)

	in, err := New(cfg, settings, Deps{Store: st, Scheduler: sched, Pipeline: pipeline, Voice: speaker}, logger)
	if err != nil {
		t.Fatalf("new interceptor: %v", err)
	}
	return &harness{in: in, store: st, sched: sched, speaker: speaker, cfg: cfg}
}

type unitView struct {
	Session  string
	Sequence int
	Kind     protocol.UnitKind
	Content  string
	HasAudio bool
	Final    bool
}

func record(views *[]unitView) dispatch.EmitFunc {
	return func(_ context.Context, u protocol.OutboundUnit) error {
		*views = append(*views, unitView{u.SessionID, u.Sequence, u.Kind, u.Content, u.AudioPath != "", u.Final})
		return nil
	}
}

func TestInboundSpokenReply(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	var got []unitView
	msg := protocol.InboundMessage{
		SessionID: "s1",
		TraceID:   "trace-1",
		Text:      "<think>plan the answer</think>你好。（笑）再见！",
	}
	summary, err := h.in.OnInboundMessage(ctx, msg, record(&got))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	want := []unitView{
		{"s1", 0, protocol.UnitAudio, "你好。", true, false},
		{"s1", 1, protocol.UnitText, "（笑）", false, false},
		{"s1", 2, protocol.UnitAudio, "再见！", true, true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("units mismatch (-want +got):\n%s", diff)
	}
	if !summary.Spoke || summary.Units != 3 || summary.SynthesisFailures != 0 || summary.Skipped {
		t.Fatalf("unexpected summary %+v", summary)
	}

	journal, err := h.store.ListDispatches(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list dispatches: %v", err)
	}
	if len(journal) != 1 || !journal[0].Spoke || journal[0].Segments != 3 || journal[0].TraceID != "trace-1" || journal[0].MessageCount != 1 {
		t.Fatalf("unexpected journal %+v", journal)
	}
}

func TestInboundTextReplyWhenNotScheduled(t *testing.T) {
	h := newHarness(t, 0)
	var got []unitView
	summary, err := h.in.OnInboundMessage(context.Background(), protocol.InboundMessage{SessionID: "s", Text: "一。二。"}, record(&got))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if summary.Spoke || len(got) != 2 {
		t.Fatalf("expected two text units, got %+v (%+v)", got, summary)
	}
	for _, u := range got {
		if u.Kind != protocol.UnitText || u.HasAudio {
			t.Fatalf("unexpected audio unit %+v", u)
		}
	}
	if h.sched.State().MessageCount != 1 {
		t.Fatalf("text replies still count toward the cycle")
	}
}

func TestInboundSkips(t *testing.T) {
	cases := map[string]protocol.InboundMessage{
		"command flag":     {Text: "hello.", IsCommand: true},
		"prefixed trigger": {Text: "hello.", Trigger: "/help"},
		"excluded trigger": {Text: "hello.", Trigger: "Reset"},
		"blank":            {Text: "  \n "},
		"only thinking":    {Text: "<thinking>internal</thinking>"},
	}
	for name, msg := range cases {
		h := newHarness(t, 100)
		emitted := 0
		summary, err := h.in.OnInboundMessage(context.Background(), msg, func(context.Context, protocol.OutboundUnit) error {
			emitted++
			return nil
		})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if emitted != 0 || !summary.Skipped {
			t.Fatalf("%s: expected skip, emitted %d (%+v)", name, emitted, summary)
		}
		if h.sched.State().MessageCount != 0 {
			t.Fatalf("%s: skipped messages must not advance the counter", name)
		}
	}
}

func TestToggleCommands(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	if reply := h.in.OnCommand(ctx, "/ttsoff", nil); !reply.OK {
		t.Fatalf("ttsoff failed: %+v", reply)
	}
	emitted := 0
	if _, err := h.in.OnInboundMessage(ctx, protocol.InboundMessage{Text: "hi."}, func(context.Context, protocol.OutboundUnit) error {
		emitted++
		return nil
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if emitted != 0 {
		t.Fatalf("disabled interceptor must not emit")
	}
	if v, ok, _ := h.store.Get(ctx, store.KeyEnabled); !ok || v != "false" {
		t.Fatalf("expected persisted tts_enabled=false, got %q", v)
	}

	if reply := h.in.OnCommand(ctx, "TTSON", nil); !reply.OK {
		t.Fatalf("ttson failed: %+v", reply)
	}
	if !h.in.Settings().Enabled {
		t.Fatal("expected enabled after ttson")
	}
}

func TestProbabilityCommand(t *testing.T) {
	h := newHarness(t, 30)
	ctx := context.Background()

	reply := h.in.OnCommand(ctx, "ttsprob", []string{"50", "20"})
	if !reply.OK {
		t.Fatalf("ttsprob failed: %+v", reply)
	}
	state := h.sched.State()
	if state.TriggerPercentage != 50 || state.CycleLength != 20 {
		t.Fatalf("scheduler not reconfigured: %+v", state)
	}
	if v, _, _ := h.store.Get(ctx, store.KeyProbabilityTotal); v != "20" {
		t.Fatalf("expected persisted total 20, got %q", v)
	}

	for _, args := range [][]string{{"150"}, {"abc"}, {"10", "0"}, {}, {"1", "2", "3"}} {
		if reply := h.in.OnCommand(ctx, "ttsprob", args); reply.OK {
			t.Fatalf("ttsprob %v should fail", args)
		}
	}
	if state := h.sched.State(); state.TriggerPercentage != 50 || state.CycleLength != 20 {
		t.Fatalf("invalid input must leave scheduler unchanged: %+v", state)
	}

	if reply := h.in.OnCommand(ctx, "ttsprob", []string{"10"}); !reply.OK || h.sched.State().CycleLength != 20 {
		t.Fatalf("single argument keeps the cycle length: %+v", reply)
	}
}

func TestVoiceModelAndStatusCommands(t *testing.T) {
	h := newHarness(t, 30)
	ctx := context.Background()

	if reply := h.in.OnCommand(ctx, "ttsvoice", []string{"alloy"}); !reply.OK {
		t.Fatalf("ttsvoice failed: %+v", reply)
	}
	if reply := h.in.OnCommand(ctx, "ttsmodel", []string{"tts-1-hd"}); !reply.OK {
		t.Fatalf("ttsmodel failed: %+v", reply)
	}
	if voice, model := h.speaker.Voice(); voice != "alloy" || model != "tts-1-hd" {
		t.Fatalf("speaker not updated: %s %s", voice, model)
	}
	if reply := h.in.OnCommand(ctx, "ttsvoice", nil); reply.OK {
		t.Fatal("ttsvoice without argument should fail")
	}

	status := h.in.OnCommand(ctx, "ttsstatus", nil)
	if !status.OK || !strings.Contains(status.Message, "voice=alloy") || !strings.Contains(status.Message, "30% of 10") {
		t.Fatalf("unexpected status %+v", status)
	}
	if reply := h.in.OnCommand(ctx, "ttsfoo", nil); reply.OK {
		t.Fatal("unknown command should fail")
	}
}

func TestApplyConfigKeepsCommandOverrides(t *testing.T) {
	h := newHarness(t, 30)
	ctx := context.Background()
	if reply := h.in.OnCommand(ctx, "ttsvoice", []string{"echo"}); !reply.OK {
		t.Fatalf("ttsvoice failed: %+v", reply)
	}

	next := h.cfg
	next.TTS.Voice = "shimmer"
	next.Filter.ThinkingKeywords = []string{"<reasoning>", "</reasoning>"}
	if err := h.in.ApplyConfig(ctx, next); err != nil {
		t.Fatalf("apply config: %v", err)
	}
	if got := h.in.Settings().VoiceID; got != "echo" {
		t.Fatalf("command override should win, got %q", got)
	}

	var got []unitView
	if _, err := h.in.OnInboundMessage(ctx, protocol.InboundMessage{Text: "<reasoning>x</reasoning>ok"}, record(&got)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(got) != 1 || got[0].Content != "ok" {
		t.Fatalf("new keywords not applied: %+v", got)
	}

	bad := h.cfg
	bad.Filter.BracketPattern = "("
	if err := h.in.ApplyConfig(ctx, bad); err == nil {
		t.Fatal("invalid bracket pattern should be rejected")
	}
}

func TestInboundEmitErrorAborts(t *testing.T) {
	h := newHarness(t, 0)
	boom := errors.New("closed")
	summary, err := h.in.OnInboundMessage(context.Background(), protocol.InboundMessage{SessionID: "s", Text: "一。二。"}, func(context.Context, protocol.OutboundUnit) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if summary.Units != 0 || summary.Error == "" {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestProbabilityCommandRejectsOversizedCycle(t *testing.T) {
	h := newHarness(t, 30)
	ctx := context.Background()
	h.in.mode = scheduler.ModeRandomized
	if err := h.sched.Reconfigure(scheduler.Config{Mode: scheduler.ModeRandomized, CycleLength: 10, TriggerPercentage: 30}); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}

	for _, total := range []string{strconv.Itoa(scheduler.MaxCycleLength + 1), "1125899906842624"} {
		reply := h.in.OnCommand(ctx, "ttsprob", []string{"1", total})
		if reply.OK {
			t.Fatalf("ttsprob 1 %s should fail: %+v", total, reply)
		}
	}
	if st := h.sched.State(); st.CycleLength != 10 || st.TriggerPercentage != 30 {
		t.Fatalf("rejected ttsprob changed scheduler: %+v", st)
	}
	if _, ok, _ := h.store.Get(ctx, store.KeyProbabilityTotal); ok {
		t.Fatalf("rejected ttsprob must not persist")
	}
}

func TestConcurrentProbabilityCommandsAgree(t *testing.T) {
	h := newHarness(t, 30)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.in.OnCommand(ctx, "ttsprob", []string{strconv.Itoa(i * 5), strconv.Itoa(i * 10)})
		}(i)
	}
	wg.Wait()

	st := h.sched.State()
	settings := h.in.Settings()
	if st.CycleLength != settings.ProbabilityTotal || st.TriggerPercentage != settings.ProbabilityPercentage {
		t.Fatalf("scheduler %+v disagrees with settings %+v", st, settings)
	}
	total, _, _ := h.store.Get(ctx, store.KeyProbabilityTotal)
	pct, _, _ := h.store.Get(ctx, store.KeyProbabilityPercentage)
	if total != strconv.Itoa(st.CycleLength) || pct != strconv.Itoa(st.TriggerPercentage) {
		t.Fatalf("stored %s/%s disagrees with scheduler %+v", pct, total, st)
	}
}

func TestJournalRecordsEachMessagesCount(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	discard := func(context.Context, protocol.OutboundUnit) error { return nil }

	const messages = 20
	var wg sync.WaitGroup
	for i := 0; i < messages; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := protocol.InboundMessage{SessionID: "s1", TraceID: fmt.Sprintf("t%d", i), Text: "hello."}
			if _, err := h.in.OnInboundMessage(ctx, msg, discard); err != nil {
				t.Errorf("dispatch %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	journal, err := h.store.ListDispatches(ctx, "s1", messages)
	if err != nil {
		t.Fatalf("list dispatches: %v", err)
	}
	var counts []int
	for _, d := range journal {
		counts = append(counts, int(d.MessageCount))
	}
	sort.Ints(counts)
	want := make([]int, messages)
	for i := range want {
		want[i] = i + 1
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Fatalf("journal counts mismatch (-want +got):\n%s", diff)
	}
}
