package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/duplexvoice/internal/config"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	audiomock "github.com/MrWong99/duplexvoice/pkg/audio/mock"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/duplexvoice/pkg/provider/s2s/mock"
)

func TestRegistry_CreateProvider(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	var got config.ProviderEntry
	r.RegisterProvider("mock", func(e config.ProviderEntry) (s2s.Provider, error) {
		got = e
		return &s2smock.Provider{ProviderName: "mock"}, nil
	})

	p, err := r.CreateProvider(config.ProviderEntry{Name: "mock", APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("Name: got %q, want mock", p.Name())
	}
	if got.APIKey != "k" || got.Model != "m" {
		t.Errorf("factory received %+v", got)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	if _, err := r.CreateProvider(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateProvider: got %v, want ErrProviderNotRegistered", err)
	}
	if _, err := r.CreateCapture("nope"); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateCapture: got %v, want ErrProviderNotRegistered", err)
	}
	if _, err := r.CreateOutput("nope"); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateOutput: got %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Devices(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	mic := audiomock.NewCaptureDevice()
	spk := audiomock.NewOutputDevice()
	r.RegisterCapture("mock", func() (audio.CaptureDevice, error) { return mic, nil })
	r.RegisterOutput("mock", func() (audio.OutputDevice, error) { return spk, nil })

	c, err := r.CreateCapture("mock")
	if err != nil || c != mic {
		t.Errorf("CreateCapture: got %v, %v", c, err)
	}
	o, err := r.CreateOutput("mock")
	if err != nil || o != spk {
		t.Errorf("CreateOutput: got %v, %v", o, err)
	}
}

func TestRegistry_FactoryErrorPropagates(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	boom := errors.New("boom")
	r.RegisterOutput("broken", func() (audio.OutputDevice, error) { return nil, boom })

	if _, err := r.CreateOutput("broken"); !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	factory := func(config.ProviderEntry) (s2s.Provider, error) { return &s2smock.Provider{}, nil }
	r.RegisterProvider("openai-realtime", factory)
	r.RegisterProvider("gemini-live", factory)

	if got := r.Names("provider"); !slices.Equal(got, []string{"gemini-live", "openai-realtime"}) {
		t.Errorf("Names(provider): got %v", got)
	}
	if got := r.Names("capture"); len(got) != 0 {
		t.Errorf("Names(capture): got %v, want empty", got)
	}
	if got := r.Names("bogus"); got != nil {
		t.Errorf("Names(bogus): got %v, want nil", got)
	}
}
