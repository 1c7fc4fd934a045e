package evm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/devblac/xchain-relay/internal/chain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Artifact is a compiled contract: its ABI and creation bytecode.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

// Spec binds the artifact to a role and constructor arguments.
func (a Artifact) Spec(role string, args ...any) chain.ContractSpec {
	return chain.ContractSpec{Role: role, ABI: a.ABI, Bytecode: a.Bytecode, Args: args}
}

type rawArtifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     json.RawMessage `json:"bytecode"`
}

// LoadArtifact reads a hardhat or foundry build artifact.
func LoadArtifact(path string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return ParseArtifact(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), data)
}

// ParseArtifact decodes artifact JSON. The bytecode is either a hex string or {"object": hex}.
func ParseArtifact(name string, data []byte) (Artifact, error) {
	var raw rawArtifact
	if err := json.Unmarshal(data, &raw); err != nil {
		return Artifact{}, fmt.Errorf("parse artifact %s: %w", name, err)
	}
	if raw.ContractName != "" {
		name = raw.ContractName
	}
	if len(raw.ABI) == 0 {
		return Artifact{}, fmt.Errorf("artifact %s: missing abi", name)
	}
	a, err := abi.JSON(bytes.NewReader(raw.ABI))
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact %s abi: %w", name, err)
	}

	var code string
	if err := json.Unmarshal(raw.Bytecode, &code); err != nil {
		var obj struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(raw.Bytecode, &obj); err != nil {
			return Artifact{}, fmt.Errorf("artifact %s: unsupported bytecode field", name)
		}
		code = obj.Object
	}
	if !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}
	bin, err := hexutil.Decode(code)
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact %s bytecode: %w", name, err)
	}
	if len(bin) == 0 {
		return Artifact{}, fmt.Errorf("artifact %s: empty bytecode", name)
	}
	return Artifact{Name: name, ABI: a, Bytecode: bin}, nil
}

// LoadArtifacts walks dir and indexes every deployable artifact by file name and
// contract name. Files that are not artifacts, such as debug files, are skipped.
func LoadArtifacts(dir string) (map[string]Artifact, error) {
	out := map[string]Artifact{}
	if dir == "" {
		return out, nil
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(name), ".json") || strings.HasSuffix(name, ".dbg.json") {
			return nil
		}
		a, err := LoadArtifact(path)
		if err != nil {
			return nil
		}
		out[a.Name] = a
		out[strings.TrimSuffix(name, filepath.Ext(name))] = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk artifacts %s: %w", dir, err)
	}
	return out, nil
}
