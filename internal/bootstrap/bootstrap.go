// Package bootstrap provisions a chain: it deploys the core contracts and
// tokens in order and writes the descriptor a relay service loads later.
package bootstrap

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/devblac/xchain-relay/internal/chain"
	"github.com/devblac/xchain-relay/internal/chain/evm"
	"github.com/devblac/xchain-relay/internal/config"
	"github.com/devblac/xchain-relay/internal/descriptor"
	"github.com/devblac/xchain-relay/internal/keys"
	"github.com/devblac/xchain-relay/internal/storage"
)

// TokenRolePrefix prefixes the deployment role of token contracts.
const TokenRolePrefix = "token:"

// Dialer opens a connection to the node at url.
type Dialer func(ctx context.Context, url string) (chain.Conn, error)

// Recorder stores the deployments of one run.
type Recorder interface {
	RecordDeployments(ctx context.Context, ds []storage.Deployment) error
}

// Bootstrapper runs deployments. It does not resume: a failed or repeated run
// deploys everything again.
type Bootstrapper struct {
	dial      Dialer
	artifacts map[string]evm.Artifact
	recorder  Recorder
	log       *slog.Logger
	now       func() time.Time
}

type Option func(*Bootstrapper)

// WithRecorder persists every deployment after the descriptor is written.
func WithRecorder(r Recorder) Option {
	return func(b *Bootstrapper) { b.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bootstrapper) {
		if l != nil {
			b.log = l
		}
	}
}

func New(dial Dialer, artifacts map[string]evm.Artifact, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		dial:      dial,
		artifacts: artifacts,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run provisions cfg and writes its descriptor. Every failure is marked
// chain.ErrDeployment and stops the run at the failing step; contracts already
// deployed by then are still recorded, since they exist on chain.
func (b *Bootstrapper) Run(ctx context.Context, cfg config.ChainConfig) (descriptor.Descriptor, error) {
	fail := func(err error, format string, args ...any) (descriptor.Descriptor, error) {
		return descriptor.Descriptor{}, errors.Mark(errors.Wrapf(err, format, args...), chain.ErrDeployment)
	}

	if err := cfg.ValidateBootstrap(); err != nil {
		return fail(err, "chain %s", cfg.Name)
	}
	core, tokens, err := b.resolveArtifacts(cfg)
	if err != nil {
		return fail(err, "chain %s", cfg.Name)
	}

	keyMaterial := cfg.Keys.DescriptorKeys()
	ids, err := keys.FromDescriptor(keyMaterial)
	if err != nil {
		return fail(err, "chain %s keys", cfg.Name)
	}

	conn, err := b.dial(ctx, cfg.RPCURL)
	if err != nil {
		return fail(err, "chain %s: dial %s", cfg.Name, cfg.RPCURL)
	}
	if c, ok := conn.(interface{ Close() }); ok {
		defer c.Close()
	}
	id, err := conn.ChainID(ctx)
	if err != nil {
		return fail(err, "chain %s: chain id", cfg.Name)
	}
	if id != cfg.ChainID {
		return fail(errors.Newf("node serves chain id %d, configured %d", id, cfg.ChainID), "chain %s", cfg.Name)
	}

	desc := descriptor.Descriptor{
		Name:        cfg.Name,
		ChainID:     cfg.ChainID,
		ProviderURL: cfg.RPCURL,
		Contracts:   map[string]string{},
		Tokens:      map[string]string{},
		Keys:        keyMaterial,
	}
	target, err := chain.New(ctx, desc, ids, conn)
	if err != nil {
		return fail(err, "chain %s", cfg.Name)
	}

	sc := scope{ids: ids, contracts: desc.Contracts, tokens: desc.Tokens}
	var records []storage.Deployment
	deploy := func(role string, art evm.Artifact, raw []any) (string, error) {
		args, err := sc.args(art.ABI.Constructor.Inputs, raw)
		if err != nil {
			return "", errors.Mark(errors.Wrapf(err, "%s constructor", role), chain.ErrDeployment)
		}
		d, err := target.Deploy(ctx, art.Spec(role, args...))
		if err != nil {
			return "", err
		}
		b.log.Info("contract deployed", "chain", cfg.Name, "role", role, "artifact", art.Name,
			"address", d.Address.Hex(), "tx", d.TxHash.Hex())
		records = append(records, storage.Deployment{
			Chain:     cfg.Name,
			Role:      role,
			Address:   d.Address.Hex(),
			TxHash:    d.TxHash.Hex(),
			CreatedAt: b.now().UTC(),
		})
		return d.Address.Hex(), nil
	}
	abort := func(err error) (descriptor.Descriptor, error) {
		if len(records) > 0 && b.recorder != nil {
			if rerr := b.recorder.RecordDeployments(context.WithoutCancel(ctx), records); rerr != nil {
				b.log.Error("record partial deployments", "chain", cfg.Name, "count", len(records), "error", rerr)
			}
		}
		return descriptor.Descriptor{}, err
	}

	contracts := cfg.Contracts.ByRole()
	for _, role := range descriptor.CoreRoles {
		addr, err := deploy(role, core[role], contracts[role].Args)
		if err != nil {
			return abort(err)
		}
		desc.Contracts[role] = addr
	}
	for i, t := range cfg.Tokens {
		addr, err := deploy(TokenRolePrefix+t.Symbol, tokens[i], []any{t.Name, t.Symbol, t.Decimals, t.Cap})
		if err != nil {
			return abort(err)
		}
		desc.Tokens[t.Symbol] = addr
	}

	if err := descriptor.Write(cfg.Descriptor, desc); err != nil {
		return abort(errors.Mark(errors.Wrapf(err, "chain %s", cfg.Name), chain.ErrDeployment))
	}
	b.log.Info("descriptor written", "chain", cfg.Name, "path", cfg.Descriptor,
		"contracts", len(desc.Contracts), "tokens", len(desc.Tokens))

	if b.recorder != nil {
		if err := b.recorder.RecordDeployments(ctx, records); err != nil {
			return fail(err, "chain %s: record deployments", cfg.Name)
		}
	}
	return desc, nil
}

// resolveArtifacts looks every artifact up before anything is sent, so a typo
// in the config costs no gas.
func (b *Bootstrapper) resolveArtifacts(cfg config.ChainConfig) (map[string]evm.Artifact, []evm.Artifact, error) {
	core := make(map[string]evm.Artifact, len(descriptor.CoreRoles))
	contracts := cfg.Contracts.ByRole()
	for _, role := range descriptor.CoreRoles {
		art, err := b.artifact(contracts[role].Artifact)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "contracts.%s", role)
		}
		core[role] = art
	}
	tokens := make([]evm.Artifact, len(cfg.Tokens))
	for i, t := range cfg.Tokens {
		art, err := b.artifact(t.Artifact)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "tokens.%s", t.Symbol)
		}
		tokens[i] = art
	}
	return core, tokens, nil
}

func (b *Bootstrapper) artifact(ref string) (evm.Artifact, error) {
	if art, ok := b.artifacts[ref]; ok {
		return art, nil
	}
	base := filepath.Base(ref)
	if art, ok := b.artifacts[strings.TrimSuffix(base, filepath.Ext(base))]; ok {
		return art, nil
	}
	return evm.LoadArtifact(ref)
}
