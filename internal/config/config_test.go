package config_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/MrWong99/holdcue/internal/config"
	"github.com/MrWong99/holdcue/pkg/provider/stt"
	sttmock "github.com/MrWong99/holdcue/pkg/provider/stt/mock"
	"github.com/MrWong99/holdcue/pkg/provider/tts"
	ttsmock "github.com/MrWong99/holdcue/pkg/provider/tts/mock"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace" should be invalid`)
	}
}

func TestProviderEntry_Option(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{
		"language": "de",
		"threads":  4,
		"nothing":  nil,
	}}
	tests := map[string]string{
		"language": "de",
		"threads":  "4",
		"nothing":  "",
		"missing":  "",
	}
	for key, want := range tests {
		if got := e.Option(key); got != want {
			t.Errorf("Option(%q) = %q, want %q", key, got, want)
		}
	}
	if got := (config.ProviderEntry{}).Option("language"); got != "" {
		t.Errorf("Option on nil map = %q", got)
	}
}

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT() = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS() = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Create(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	wantSTT := &sttmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterSTT("stub", func(e config.ProviderEntry) (stt.Provider, error) {
		gotEntry = e
		return wantSTT, nil
	})
	wantTTS := &ttsmock.Provider{}
	reg.RegisterTTS("stub", func(config.ProviderEntry) (tts.Provider, error) { return wantTTS, nil })

	entry := config.ProviderEntry{Name: "stub", Model: "tiny"}
	s, err := reg.CreateSTT(entry)
	if err != nil || s != wantSTT {
		t.Errorf("CreateSTT() = %v, %v", s, err)
	}
	if !reflect.DeepEqual(gotEntry, entry) {
		t.Errorf("factory got %+v, want %+v", gotEntry, entry)
	}
	if p, err := reg.CreateTTS(config.ProviderEntry{Name: "stub"}); err != nil || p != wantTTS {
		t.Errorf("CreateTTS() = %v, %v", p, err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("factory boom")
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, boom })

	_, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, boom) {
		t.Errorf("CreateTTS() = %v, want wrapped factory error", err)
	}
	if errors.Is(err, config.ErrProviderNotRegistered) {
		t.Error("factory error reported as not registered")
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	for _, name := range []string{"whisper", "deepgram", "mock"} {
		reg.RegisterSTT(name, func(config.ProviderEntry) (stt.Provider, error) { return nil, nil })
	}
	reg.RegisterTTS("coqui", func(config.ProviderEntry) (tts.Provider, error) { return nil, nil })

	if got, want := reg.STTNames(), []string{"deepgram", "mock", "whisper"}; !reflect.DeepEqual(got, want) {
		t.Errorf("STTNames() = %v, want %v", got, want)
	}
	if got, want := reg.TTSNames(), []string{"coqui"}; !reflect.DeepEqual(got, want) {
		t.Errorf("TTSNames() = %v, want %v", got, want)
	}
}
