package bootstrap

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	crdb "github.com/cockroachdb/errors"
	"github.com/devblac/xchain-relay/internal/chain"
	"github.com/devblac/xchain-relay/internal/chain/chaintest"
	"github.com/devblac/xchain-relay/internal/chain/evm"
	"github.com/devblac/xchain-relay/internal/config"
	"github.com/devblac/xchain-relay/internal/descriptor"
	"github.com/devblac/xchain-relay/internal/keys"
	"github.com/devblac/xchain-relay/internal/storage"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	noArgsABI   = `[{"type":"constructor","inputs":[],"stateMutability":"nonpayable"}]`
	gatewayABI  = `[{"type":"constructor","inputs":[{"name":"admins","type":"address[]"},{"name":"threshold","type":"uint8"},{"name":"owner","type":"address"}],"stateMutability":"nonpayable"}]`
	gasABI      = `[{"type":"constructor","inputs":[{"name":"collector","type":"address"}],"stateMutability":"nonpayable"}]`
	tokenABI    = `[{"type":"constructor","inputs":[{"name":"name","type":"string"},{"name":"symbol","type":"string"},{"name":"decimals","type":"uint8"},{"name":"cap","type":"uint256"}],"stateMutability":"nonpayable"}]`
	testChainID = 696969
)

func artifact(t *testing.T, name, abiJSON string) evm.Artifact {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		t.Fatalf("abi %s: %v", name, err)
	}
	return evm.Artifact{Name: name, ABI: parsed, Bytecode: []byte{0x60, 0x80, 0x60, 0x40}}
}

func testArtifacts(t *testing.T) map[string]evm.Artifact {
	return map[string]evm.Artifact{
		"ConstAddressDeployer": artifact(t, "ConstAddressDeployer", noArgsABI),
		"Create3Deployer":      artifact(t, "Create3Deployer", noArgsABI),
		"AxelarGateway":        artifact(t, "AxelarGateway", gatewayABI),
		"AxelarGasService":     artifact(t, "AxelarGasService", gasABI),
		"Token":                artifact(t, "Token", tokenABI),
	}
}

func testChain(t *testing.T) config.ChainConfig {
	return config.ChainConfig{
		Name:       "TestChainA",
		ChainID:    testChainID,
		RPCURL:     "http://127.0.0.1:8545",
		Descriptor: filepath.Join(t.TempDir(), descriptor.DefaultPath("TestChainA")),
		Keys:       config.KeysConfig{Owner: chaintest.HardhatKey},
		Contracts: config.ContractsConfig{
			ConstAddressDeployer: config.ContractConfig{Artifact: "ConstAddressDeployer.json"},
			Create3Deployer:      config.ContractConfig{Artifact: "artifacts/Create3Deployer.json"},
			Gateway:              config.ContractConfig{Artifact: "AxelarGateway", Args: []any{"@admins", "@threshold", "@owner"}},
			GasService:           config.ContractConfig{Artifact: "AxelarGasService.json", Args: []any{"@contract.gateway"}},
		},
		Tokens: []config.TokenConfig{
			{Name: "Fake USDC", Symbol: "USDC", Decimals: 6, Cap: "1e50", Artifact: "Token.json"},
		},
	}
}

func dialer(conn chain.Conn, calls *int) Dialer {
	return func(context.Context, string) (chain.Conn, error) {
		*calls++
		return conn, nil
	}
}

func TestRunDeploysInOrderAndWritesDescriptor(t *testing.T) {
	conn := chaintest.NewConn(testChainID, 10)
	store, err := storage.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	var dials int
	cfg := testChain(t)
	b := New(dialer(conn, &dials), testArtifacts(t), WithRecorder(store))
	desc, err := b.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	deployed := conn.Deployed()
	var roles []string
	for _, spec := range deployed {
		roles = append(roles, spec.Role)
	}
	want := []string{
		descriptor.RoleConstAddressDeployer,
		descriptor.RoleCreate3Deployer,
		descriptor.RoleGateway,
		descriptor.RoleGasService,
		"token:USDC",
	}
	if !reflect.DeepEqual(roles, want) {
		t.Fatalf("deploy order = %v, want %v", roles, want)
	}

	owner := keys.Address(chaintest.Identities(t).Owner)
	gw := deployed[2].Args
	if admins, ok := gw[0].([]common.Address); !ok || len(admins) != 1 || admins[0] != owner {
		t.Fatalf("gateway admins = %#v", gw[0])
	}
	if th, ok := gw[1].(uint8); !ok || th != 1 {
		t.Fatalf("gateway threshold = %#v", gw[1])
	}
	if gw[2] != owner {
		t.Fatalf("gateway owner = %#v", gw[2])
	}
	if deployed[3].Args[0] != common.HexToAddress(desc.Contracts[descriptor.RoleGateway]) {
		t.Fatalf("gas service must receive the gateway address, got %#v", deployed[3].Args[0])
	}
	wantCap, _ := new(big.Int).SetString("1"+strings.Repeat("0", 50), 10)
	if c, ok := deployed[4].Args[3].(*big.Int); !ok || c.Cmp(wantCap) != 0 {
		t.Fatalf("token cap = %#v", deployed[4].Args[3])
	}

	got, err := descriptor.Read(cfg.Descriptor)
	if err != nil {
		t.Fatalf("read descriptor: %v", err)
	}
	if !reflect.DeepEqual(got, desc) {
		t.Fatalf("descriptor mismatch:\n got %+v\nwant %+v", got, desc)
	}
	if desc.Keys.Relayer != chaintest.HardhatKey || desc.Keys.Threshold != 1 {
		t.Fatalf("key defaults not applied: %+v", desc.Keys)
	}
	if _, ok := desc.Tokens["USDC"]; !ok {
		t.Fatalf("token missing from descriptor: %+v", desc.Tokens)
	}

	records, err := store.ListDeployments(context.Background(), "TestChainA")
	if err != nil {
		t.Fatalf("list deployments: %v", err)
	}
	if len(records) != len(want) {
		t.Fatalf("recorded %d deployments, want %d", len(records), len(want))
	}
	if records[2].Address != desc.Contracts[descriptor.RoleGateway] {
		t.Fatalf("recorded gateway %s, descriptor %s", records[2].Address, desc.Contracts[descriptor.RoleGateway])
	}

	// A service started from the written file alone sees the same chain.
	ids, err := keys.FromDescriptor(got.Keys)
	if err != nil {
		t.Fatalf("descriptor keys: %v", err)
	}
	rebuilt, err := chain.NewRegistry().Register(context.Background(), got, ids, chaintest.NewConn(testChainID, 20))
	if err != nil {
		t.Fatalf("register from descriptor: %v", err)
	}
	if rebuilt.Name() != cfg.Name || rebuilt.ChainID() != testChainID {
		t.Fatalf("rebuilt chain %s/%d", rebuilt.Name(), rebuilt.ChainID())
	}
	if !reflect.DeepEqual(rebuilt.Descriptor().Contracts, desc.Contracts) || !reflect.DeepEqual(rebuilt.Descriptor().Tokens, desc.Tokens) {
		t.Fatalf("rebuilt addresses differ:\n got %+v %+v\nwant %+v %+v",
			rebuilt.Descriptor().Contracts, rebuilt.Descriptor().Tokens, desc.Contracts, desc.Tokens)
	}
	if gwAddr, ok := rebuilt.Descriptor().Address(descriptor.RoleGateway); !ok || gwAddr.Hex() != desc.Contracts[descriptor.RoleGateway] {
		t.Fatalf("rebuilt gateway = %s", gwAddr.Hex())
	}
	if keys.Address(ids.Owner) != owner {
		t.Fatalf("rebuilt owner %s, want %s", keys.Address(ids.Owner).Hex(), owner.Hex())
	}
}

func TestRunRejectsChainIDMismatch(t *testing.T) {
	conn := chaintest.NewConn(1, 10)
	var dials int
	_, err := New(dialer(conn, &dials), testArtifacts(t)).Run(context.Background(), testChain(t))
	if !crdb.Is(err, chain.ErrDeployment) || !strings.Contains(err.Error(), "chain id 1") {
		t.Fatalf("expected chain id mismatch, got %v", err)
	}
	if len(conn.Deployed()) != 0 {
		t.Fatalf("nothing may be deployed on the wrong chain")
	}
}

func TestRunStopsAtFailingStep(t *testing.T) {
	conn := chaintest.NewConn(testChainID, 10)
	conn.DeployHook = func(spec chain.ContractSpec) error {
		if spec.Role == descriptor.RoleGateway {
			return errors.New("out of gas")
		}
		return nil
	}
	rec := &recorder{}
	cfg := testChain(t)
	var dials int
	_, err := New(dialer(conn, &dials), testArtifacts(t), WithRecorder(rec)).Run(context.Background(), cfg)
	if !crdb.Is(err, chain.ErrDeployment) {
		t.Fatalf("expected ErrDeployment, got %v", err)
	}
	if n := len(conn.Deployed()); n != 2 {
		t.Fatalf("expected the run to stop after 2 deployments, got %d", n)
	}
	if _, err := os.Stat(cfg.Descriptor); !os.IsNotExist(err) {
		t.Fatalf("descriptor must not be written on failure: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("recorder called %d times, want once for the partial run", rec.calls)
	}
	if len(rec.deployments) != 2 ||
		rec.deployments[0].Role != descriptor.RoleConstAddressDeployer ||
		rec.deployments[1].Role != descriptor.RoleCreate3Deployer {
		t.Fatalf("recorded %+v, want the two deployers that reached the chain", rec.deployments)
	}
}

func TestRunRecordsPartialDeploymentsInStore(t *testing.T) {
	conn := chaintest.NewConn(testChainID, 10)
	conn.DeployHook = func(spec chain.ContractSpec) error {
		if spec.Role == TokenRolePrefix+"USDC" {
			return errors.New("nonce too low")
		}
		return nil
	}
	store, err := storage.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	var dials int
	_, err = New(dialer(conn, &dials), testArtifacts(t), WithRecorder(store)).Run(context.Background(), testChain(t))
	if !crdb.Is(err, chain.ErrDeployment) {
		t.Fatalf("expected ErrDeployment, got %v", err)
	}
	records, err := store.ListDeployments(context.Background(), "TestChainA")
	if err != nil {
		t.Fatalf("list deployments: %v", err)
	}
	if len(records) != len(descriptor.CoreRoles) {
		t.Fatalf("recorded %d deployments, want the %d core contracts", len(records), len(descriptor.CoreRoles))
	}
	for i, spec := range conn.Deployed() {
		if i < len(records) && records[i].Role != spec.Role {
			t.Fatalf("record %d role %s, deployed %s", i, records[i].Role, spec.Role)
		}
	}
}

func TestRunResolvesArtifactsBeforeDialing(t *testing.T) {
	conn := chaintest.NewConn(testChainID, 10)
	cfg := testChain(t)
	cfg.Tokens[0].Artifact = "Missing.json"
	var dials int
	_, err := New(dialer(conn, &dials), testArtifacts(t)).Run(context.Background(), cfg)
	if !crdb.Is(err, chain.ErrDeployment) || !strings.Contains(err.Error(), "tokens.USDC") {
		t.Fatalf("expected missing artifact error, got %v", err)
	}
	if dials != 0 {
		t.Fatalf("dialed %d times before artifacts resolved", dials)
	}
}

func TestRunRejectsBadConstructorArgs(t *testing.T) {
	conn := chaintest.NewConn(testChainID, 10)
	cfg := testChain(t)
	cfg.Contracts.GasService.Args = []any{"@contract.nowhere"}
	var dials int
	_, err := New(dialer(conn, &dials), testArtifacts(t)).Run(context.Background(), cfg)
	if !crdb.Is(err, chain.ErrDeployment) || !strings.Contains(err.Error(), "nowhere") {
		t.Fatalf("expected constructor error, got %v", err)
	}
	if n := len(conn.Deployed()); n != 3 {
		t.Fatalf("expected 3 deployments before the failing step, got %d", n)
	}
}

type recorder struct {
	calls       int
	deployments []storage.Deployment
}

func (r *recorder) RecordDeployments(_ context.Context, ds []storage.Deployment) error {
	r.calls++
	r.deployments = append(r.deployments, ds...)
	return nil
}
