package relay

import (
	"context"
	"sync"

	"meshpay/wallet"
)

// SingleDaemonProvider serves every operator from one wallet engine
// daemon. The daemon holds one wallet open at a time, so every call is
// made under a shared lock after switching to the session's wallet.
// Throughput is bounded by the daemon; deployments with many active
// operators run one daemon per shard and compose providers upstream.
type SingleDaemonProvider struct {
	mu     sync.Mutex
	engine wallet.Engine
	open   string // wallet currently open on the daemon
}

// NewSingleDaemonProvider wraps a wallet engine shared by all operators.
func NewSingleDaemonProvider(engine wallet.Engine) *SingleDaemonProvider {
	return &SingleDaemonProvider{engine: engine}
}

// EngineFor returns a handle that pins the daemon to walletName for the
// duration of each call.
func (p *SingleDaemonProvider) EngineFor(operator, walletName string) (wallet.Engine, error) {
	return &pinnedEngine{provider: p, walletName: walletName}, nil
}

// with runs fn with the daemon locked and the right wallet open.
func (p *SingleDaemonProvider) with(ctx context.Context, walletName string, fn func(wallet.Engine) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open != walletName {
		if err := p.engine.OpenWallet(ctx, walletName); err != nil {
			return err
		}
		p.open = walletName
	}
	return fn(p.engine)
}

// pinnedEngine is the per-session view of the shared daemon.
type pinnedEngine struct {
	provider   *SingleDaemonProvider
	walletName string
}

func (e *pinnedEngine) CreateViewWallet(ctx context.Context, name, address, viewKey string, restoreHeight uint64) error {
	p := e.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.engine.CreateViewWallet(ctx, name, address, viewKey, restoreHeight); err != nil {
		return err
	}
	// Wallet creation leaves the new wallet open on the daemon.
	p.open = name
	return nil
}

func (e *pinnedEngine) OpenWallet(ctx context.Context, name string) error {
	p := e.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.engine.OpenWallet(ctx, name); err != nil {
		return err
	}
	p.open = name
	return nil
}

func (e *pinnedEngine) Refresh(ctx context.Context) error {
	return e.provider.with(ctx, e.walletName, func(w wallet.Engine) error {
		return w.Refresh(ctx)
	})
}

func (e *pinnedEngine) Balance(ctx context.Context) (wallet.Balance, error) {
	var out wallet.Balance
	err := e.provider.with(ctx, e.walletName, func(w wallet.Engine) error {
		var err error
		out, err = w.Balance(ctx)
		return err
	})
	return out, err
}

func (e *pinnedEngine) Height(ctx context.Context) (uint64, error) {
	var out uint64
	err := e.provider.with(ctx, e.walletName, func(w wallet.Engine) error {
		var err error
		out, err = w.Height(ctx)
		return err
	})
	return out, err
}

func (e *pinnedEngine) CreateUnsigned(ctx context.Context, destination string, amount uint64, priority uint8) (wallet.Unsigned, error) {
	var out wallet.Unsigned
	err := e.provider.with(ctx, e.walletName, func(w wallet.Engine) error {
		var err error
		out, err = w.CreateUnsigned(ctx, destination, amount, priority)
		return err
	})
	return out, err
}

func (e *pinnedEngine) SubmitSigned(ctx context.Context, signedTxSet string) (string, error) {
	var out string
	err := e.provider.with(ctx, e.walletName, func(w wallet.Engine) error {
		var err error
		out, err = w.SubmitSigned(ctx, signedTxSet)
		return err
	})
	return out, err
}

func (e *pinnedEngine) ExportOutputs(ctx context.Context, all bool) (string, error) {
	var out string
	err := e.provider.with(ctx, e.walletName, func(w wallet.Engine) error {
		var err error
		out, err = w.ExportOutputs(ctx, all)
		return err
	})
	return out, err
}

func (e *pinnedEngine) ImportKeyImages(ctx context.Context, images []wallet.SignedKeyImage, offset uint64) (wallet.ImportResult, error) {
	var out wallet.ImportResult
	err := e.provider.with(ctx, e.walletName, func(w wallet.Engine) error {
		var err error
		out, err = w.ImportKeyImages(ctx, images, offset)
		return err
	})
	return out, err
}

func (e *pinnedEngine) Transfers(ctx context.Context, minHeight uint64, limit int) ([]wallet.Transfer, error) {
	var out []wallet.Transfer
	err := e.provider.with(ctx, e.walletName, func(w wallet.Engine) error {
		var err error
		out, err = w.Transfers(ctx, minHeight, limit)
		return err
	})
	return out, err
}

func (e *pinnedEngine) Confirmations(ctx context.Context, txHash string) (uint64, error) {
	var out uint64
	err := e.provider.with(ctx, e.walletName, func(w wallet.Engine) error {
		var err error
		out, err = w.Confirmations(ctx, txHash)
		return err
	})
	return out, err
}

var _ wallet.Engine = (*pinnedEngine)(nil)
