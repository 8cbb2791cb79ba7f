package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/scheduler"
	"github.com/loqalabs/loqa-speak/internal/store"
)

// Command names understood by OnCommand.
const (
	CommandOn     = "ttson"
	CommandOff    = "ttsoff"
	CommandVoice  = "ttsvoice"
	CommandModel  = "ttsmodel"
	CommandProb   = "ttsprob"
	CommandStatus = "ttsstatus"
)

// OnCommand executes a chat command. Invalid input yields ok=false with a
// message for the user; it never fails the caller.
func (in *Interceptor) OnCommand(ctx context.Context, name string, args []string) protocol.CommandReply {
	in.mu.RLock()
	prefix := in.cfg.CommandPrefix
	in.mu.RUnlock()
	if prefix != "" {
		name = strings.TrimPrefix(name, prefix)
	}
	name = strings.ToLower(strings.TrimSpace(name))

	switch name {
	case CommandOn:
		return in.setEnabled(ctx, true)
	case CommandOff:
		return in.setEnabled(ctx, false)
	case CommandVoice:
		return in.setVoice(ctx, args)
	case CommandModel:
		return in.setModel(ctx, args)
	case CommandProb:
		return in.setProbability(ctx, args)
	case CommandStatus:
		return in.status()
	default:
		return fail("unknown command %q", name)
	}
}

func (in *Interceptor) setEnabled(ctx context.Context, enabled bool) protocol.CommandReply {
	if err := in.deps.Store.Set(ctx, store.KeyEnabled, strconv.FormatBool(enabled)); err != nil {
		in.log.Warn("failed to persist setting", slog.String("key", store.KeyEnabled), slogError(err))
	}
	in.mu.Lock()
	in.settings.Enabled = enabled
	in.mu.Unlock()
	if enabled {
		return ok("voice replies enabled")
	}
	return ok("voice replies disabled")
}

func (in *Interceptor) setVoice(ctx context.Context, args []string) protocol.CommandReply {
	voice, valid := singleArg(args)
	if !valid {
		return fail("usage: %s <voice id>", CommandVoice)
	}
	if err := in.deps.Store.Set(ctx, store.KeyVoiceID, voice); err != nil {
		in.log.Warn("failed to persist setting", slog.String("key", store.KeyVoiceID), slogError(err))
	}
	in.mu.Lock()
	in.settings.VoiceID = voice
	in.mu.Unlock()
	if in.deps.Voice != nil {
		in.deps.Voice.SetVoice(voice)
	}
	return ok("voice set to %s", voice)
}

func (in *Interceptor) setModel(ctx context.Context, args []string) protocol.CommandReply {
	model, valid := singleArg(args)
	if !valid {
		return fail("usage: %s <model name>", CommandModel)
	}
	if err := in.deps.Store.Set(ctx, store.KeyModelName, model); err != nil {
		in.log.Warn("failed to persist setting", slog.String("key", store.KeyModelName), slogError(err))
	}
	in.mu.Lock()
	in.settings.ModelName = model
	in.mu.Unlock()
	if in.deps.Voice != nil {
		in.deps.Voice.SetModel(model)
	}
	return ok("model set to %s", model)
}

// setProbability holds mu from reading the current cycle to writing the new
// settings, so the scheduler and the stored values agree.
func (in *Interceptor) setProbability(ctx context.Context, args []string) protocol.CommandReply {
	if len(args) < 1 || len(args) > 2 {
		return fail("usage: %s <percentage> [cycle length]", CommandProb)
	}
	pct, err := strconv.Atoi(args[0])
	if err != nil {
		return fail("percentage must be an integer, got %q", args[0])
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	total := in.settings.ProbabilityTotal
	if len(args) == 2 {
		if total, err = strconv.Atoi(args[1]); err != nil {
			return fail("cycle length must be an integer, got %q", args[1])
		}
	}

	cfg := scheduler.Config{Mode: in.mode, CycleLength: total, TriggerPercentage: pct}
	if err := in.deps.Scheduler.Reconfigure(cfg); err != nil {
		return fail("%v", err)
	}
	for _, kv := range [][2]string{
		{store.KeyProbabilityPercentage, strconv.Itoa(pct)},
		{store.KeyProbabilityTotal, strconv.Itoa(total)},
	} {
		if err := in.deps.Store.Set(ctx, kv[0], kv[1]); err != nil {
			in.log.Warn("failed to persist setting", slog.String("key", kv[0]), slogError(err))
		}
	}
	in.settings.ProbabilityPercentage = pct
	in.settings.ProbabilityTotal = total
	return ok("speaking %d of every %d replies", cfg.Slots(), total)
}

func (in *Interceptor) status() protocol.CommandReply {
	s := in.Settings()
	state := in.deps.Scheduler.State()
	label := "disabled"
	if s.Enabled {
		label = "enabled"
	}
	return ok("voice replies %s; voice=%s model=%s; %d%% of %d (message %d, %s)",
		label, s.VoiceID, s.ModelName, state.TriggerPercentage, state.CycleLength,
		state.MessageCount, state.Mode)
}

func singleArg(args []string) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	v := strings.TrimSpace(args[0])
	return v, v != ""
}

func ok(format string, args ...any) protocol.CommandReply {
	return protocol.CommandReply{OK: true, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) protocol.CommandReply {
	return protocol.CommandReply{OK: false, Message: fmt.Sprintf(format, args...)}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
