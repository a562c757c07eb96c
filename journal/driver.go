package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/hooks"
)

// Provider opens the journal stream of an actor path.
type Provider interface {
	OpenStream(name string) (Stream, error)
}

// PeerProvider opens the stream a peer keeps for an actor path.
type PeerProvider interface {
	OpenPeerStream(name, peerName string) (Stream, error)
}

// Driver opens journals for actor paths. It never caches: every call returns
// a fresh Journal over a freshly opened stream.
type Driver struct {
	provider Provider
	peer     PeerProvider
	opts     Options
	logger   *slog.Logger
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithPeerProvider sets the provider used by OpenPeer. Without it OpenPeer
// falls back to the primary provider when that implements PeerProvider.
func WithPeerProvider(p PeerProvider) DriverOption {
	return func(d *Driver) { d.peer = p }
}

// WithJournalOptions sets the options every opened Journal starts from.
// Name is filled in per journal.
func WithJournalOptions(opts Options) DriverOption {
	return func(d *Driver) { d.opts = opts }
}

// NewDriver creates a Driver. A nil provider is allowed; Open then reports
// core.ErrJournalsUnsupported.
func NewDriver(provider Provider, opts ...DriverOption) *Driver {
	d := &Driver{provider: provider}
	for _, opt := range opts {
		opt(d)
	}
	if d.peer == nil {
		if pp, ok := provider.(PeerProvider); ok {
			d.peer = pp
		}
	}
	logger := d.opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d.logger = logger.With("component", "JournalDriver")
	return d
}

// Open returns a new Journal for name.
func (d *Driver) Open(name string) (*Journal, error) {
	if d.provider == nil {
		return nil, fmt.Errorf("open journal %s: %w", name, core.ErrJournalsUnsupported)
	}
	return d.open(name, "", func() (Stream, error) {
		return d.provider.OpenStream(name)
	})
}

// OpenPeer returns a new Journal over the stream peerName keeps for name.
func (d *Driver) OpenPeer(name, peerName string) (*Journal, error) {
	if d.peer == nil {
		return nil, fmt.Errorf("open peer journal %s/%s: %w", name, peerName, core.ErrPeerJournalsUnsupported)
	}
	if peerName == "" {
		return nil, fmt.Errorf("open peer journal %s: empty peer name", name)
	}
	j, err := d.open(name, peerName, func() (Stream, error) {
		return d.peer.OpenPeerStream(name, peerName)
	})
	// A provider that cannot serve this peer reports some capability error;
	// callers only need to branch on the peer one.
	if err != nil && core.IsUnsupportedError(err) && !errors.Is(err, core.ErrPeerJournalsUnsupported) {
		return nil, fmt.Errorf("open peer journal %s/%s: %w: %v", name, peerName, core.ErrPeerJournalsUnsupported, err)
	}
	return j, err
}

func (d *Driver) open(name, peerName string, openStream func() (Stream, error)) (*Journal, error) {
	ctx := context.Background()
	payload := hooks.JournalOpenPayload{Name: name, PeerName: peerName}
	if err := hooks.Trigger(ctx, d.opts.HookManager, hooks.NewPreJournalOpenEvent(payload)); err != nil {
		return nil, fmt.Errorf("open journal %s: %w", name, err)
	}

	stream, err := openStream()
	if err != nil {
		payload.Error = err
		_ = hooks.Trigger(ctx, d.opts.HookManager, hooks.NewPostJournalOpenEvent(payload))
		if peerName != "" {
			return nil, fmt.Errorf("open peer journal %s/%s: %w", name, peerName, err)
		}
		return nil, fmt.Errorf("open journal %s: %w", name, err)
	}

	opts := d.opts
	opts.Name = name
	if peerName != "" {
		opts.Name = core.PeerJournal(name, peerName).String()
	}
	j := New(stream, opts)
	d.logger.Debug("Opened journal", "journal", opts.Name)
	_ = hooks.Trigger(ctx, d.opts.HookManager, hooks.NewPostJournalOpenEvent(payload))
	return j, nil
}
