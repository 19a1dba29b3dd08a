package console

import (
	"context"
	"fmt"
	"time"

	"github.com/ducanh19020217/fall-detection/internal/api"
	"github.com/ducanh19020217/fall-detection/internal/config"
	"github.com/ducanh19020217/fall-detection/internal/encryption"
	"github.com/ducanh19020217/fall-detection/internal/logger"
	"github.com/ducanh19020217/fall-detection/internal/probe"
	"github.com/ducanh19020217/fall-detection/internal/session"
	"github.com/ducanh19020217/fall-detection/internal/state"
)

// sealParams is replaced in tests to keep key derivation fast
var sealParams = encryption.DefaultParams()

// Stack is a console with the collaborators it was built from
type Stack struct {
	Console *Console
	Session *session.Manager
	API     *api.Client
	State   *state.Manager
}

// Build opens the state database and assembles a console from cfg
func Build(cfg *config.Config, log *logger.Logger) (*Stack, error) {
	st, err := state.NewManager(cfg.DatabasePath(), log.Named("state"))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	if secret := cfg.Console.Session.Secret; secret != "" {
		if err := sealCredential(st, secret); err != nil {
			st.Close()
			return nil, err
		}
	}

	sess := session.NewManager(st, log.Named("session"))
	backend := cfg.Console.Backend
	client := api.New(api.Config{
		BaseURL:            backend.BaseURL,
		StreamURL:          backend.StreamURL,
		Timeout:            backend.RequestTimeout,
		InsecureSkipVerify: backend.InsecureSkipVerify,
	}, sess, log.Named("api"))

	prober := probe.New(probe.Config{
		Duration: cfg.Console.Probe.Duration,
		Timeout:  cfg.Console.Probe.Timeout,
	}, log.Named("probe"))

	c := New(Deps{
		Config:  cfg,
		Session: sess,
		API:     client,
		State:   st,
		Prober:  prober,
		Logger:  log,
	})

	return &Stack{
		Console: c,
		Session: sess,
		API:     client,
		State:   st,
	}, nil
}

func sealCredential(st *state.Manager, secret string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	salt, err := st.CredentialSalt(ctx, encryption.GenerateSalt)
	if err != nil {
		return fmt.Errorf("credential salt: %w", err)
	}
	sealer, err := encryption.NewSealer([]byte(secret), salt, sealParams)
	if err != nil {
		return fmt.Errorf("credential sealer: %w", err)
	}
	st.SetSealer(sealer)
	return nil
}

// Close releases the state database. Stop the console first.
func (s *Stack) Close() error {
	return s.State.Close()
}
