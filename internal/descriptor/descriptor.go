package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
)

// Contract roles deployed by the bootstrapper, in deployment order.
const (
	RoleConstAddressDeployer = "constAddressDeployer"
	RoleCreate3Deployer      = "create3Deployer"
	RoleGateway              = "gateway"
	RoleGasService           = "gasService"
)

// CoreRoles is the ordered list of contracts every chain must carry.
var CoreRoles = []string{
	RoleConstAddressDeployer,
	RoleCreate3Deployer,
	RoleGateway,
	RoleGasService,
}

// requiredFields are the top-level keys a descriptor file must contain.
var requiredFields = []string{"name", "chainId", "providerUrl", "contracts", "tokens", "keys"}

// Keys holds signing key material partitioned by role. Each entry is either a
// hex private key or a "keystore:<path>" reference.
type Keys struct {
	Owner     string   `json:"owner"`
	Operator  string   `json:"operator"`
	Relayer   string   `json:"relayer"`
	Admins    []string `json:"admins"`
	Threshold int      `json:"threshold"`
	Users     []string `json:"users,omitempty"`
}

// Descriptor is the persisted record of one provisioned chain.
type Descriptor struct {
	Name        string            `json:"name"`
	ChainID     uint64            `json:"chainId"`
	ProviderURL string            `json:"providerUrl"`
	Contracts   map[string]string `json:"contracts"`
	Tokens      map[string]string `json:"tokens"`
	Keys        Keys              `json:"keys"`
}

// Info is the public, key-free view of a descriptor.
type Info struct {
	Name      string            `json:"name"`
	ChainID   uint64            `json:"chainId"`
	Contracts map[string]string `json:"contracts"`
	Tokens    map[string]string `json:"tokens"`
}

// Info strips key material.
func (d Descriptor) Info() Info {
	return Info{
		Name:      d.Name,
		ChainID:   d.ChainID,
		Contracts: copyMap(d.Contracts),
		Tokens:    copyMap(d.Tokens),
	}
}

// Address returns the deployed address for a role.
func (d Descriptor) Address(role string) (common.Address, bool) {
	raw, ok := d.Contracts[role]
	if !ok || !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// Validate checks the descriptor invariants.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("name is required")
	}
	if d.ChainID == 0 {
		return errors.New("chainId is required")
	}
	if d.ProviderURL == "" {
		return errors.New("providerUrl is required")
	}
	for _, role := range CoreRoles {
		addr, ok := d.Contracts[role]
		if !ok {
			return fmt.Errorf("contracts.%s is required", role)
		}
		if err := ValidateAddress(addr); err != nil {
			return fmt.Errorf("contracts.%s: %w", role, err)
		}
	}
	for _, symbol := range sortedKeys(d.Tokens) {
		if err := ValidateAddress(d.Tokens[symbol]); err != nil {
			return fmt.Errorf("tokens.%s: %w", symbol, err)
		}
	}
	return d.Keys.Validate()
}

// Validate checks that every role has key material and the admin threshold is reachable.
func (k Keys) Validate() error {
	if k.Owner == "" || k.Operator == "" || k.Relayer == "" {
		return errors.New("keys.owner, keys.operator and keys.relayer are required")
	}
	if len(k.Admins) == 0 {
		return errors.New("at least one admin key is required")
	}
	if k.Threshold < 1 || k.Threshold > len(k.Admins) {
		return fmt.Errorf("threshold %d must be between 1 and %d", k.Threshold, len(k.Admins))
	}
	return nil
}

// ValidateAddress rejects anything that is not a 20-byte hex address.
func ValidateAddress(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("invalid address %q", addr)
	}
	if err := ethav.Validate(common.HexToAddress(addr).Hex()); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}

// Read loads a descriptor file. Unknown or missing fields are errors.
func Read(path string) (Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	return Decode(raw)
}

// Decode parses descriptor JSON strictly and validates it.
func Decode(raw []byte) (Descriptor, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Descriptor{}, fmt.Errorf("parse descriptor: %w", err)
	}
	var missing []string
	for _, f := range requiredFields {
		if _, ok := fields[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return Descriptor{}, fmt.Errorf("descriptor missing fields: %s", strings.Join(missing, ", "))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		return Descriptor{}, fmt.Errorf("parse descriptor: %w", err)
	}
	if d.Tokens == nil {
		d.Tokens = map[string]string{}
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor %s: %w", d.Name, err)
	}
	return d, nil
}

// Write validates and persists a descriptor, replacing any existing file atomically.
// The file holds key material and is created owner-readable only.
func Write(path string, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("descriptor %s: %w", d.Name, err)
	}
	if d.Tokens == nil {
		d.Tokens = map[string]string{}
	}
	out, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".descriptor-*")
	if err != nil {
		return fmt.Errorf("create temp descriptor: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod descriptor: %w", err)
	}
	if _, err := tmp.Write(append(out, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close descriptor: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename descriptor: %w", err)
	}
	return nil
}

// DefaultPath is the file name used when a chain does not configure one.
func DefaultPath(name string) string {
	return fmt.Sprintf("networkInfo-%s.json", name)
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
