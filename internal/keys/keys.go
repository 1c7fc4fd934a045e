package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/devblac/xchain-relay/internal/descriptor"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/term"
)

const (
	// EnvPassword supplies the keystore password non-interactively.
	EnvPassword = "XRELAY_KEYSTORE_PASSWORD"

	keystorePrefix = "keystore:"
)

// PasswordFunc returns the password for an encrypted keystore file.
var PasswordFunc = promptPassword

var (
	pswMu    sync.Mutex
	pswCache = map[string]string{}
)

// Identities are the signing keys of one chain, partitioned by role.
type Identities struct {
	Owner     *ecdsa.PrivateKey
	Operator  *ecdsa.PrivateKey
	Relayer   *ecdsa.PrivateKey
	Admins    []*ecdsa.PrivateKey
	Threshold int
	Users     []*ecdsa.PrivateKey
}

// FromDescriptor derives every identity from descriptor key material.
func FromDescriptor(k descriptor.Keys) (Identities, error) {
	if err := k.Validate(); err != nil {
		return Identities{}, err
	}
	var (
		ids Identities
		err error
	)
	if ids.Owner, err = Parse(k.Owner); err != nil {
		return Identities{}, fmt.Errorf("owner key: %w", err)
	}
	if ids.Operator, err = Parse(k.Operator); err != nil {
		return Identities{}, fmt.Errorf("operator key: %w", err)
	}
	if ids.Relayer, err = Parse(k.Relayer); err != nil {
		return Identities{}, fmt.Errorf("relayer key: %w", err)
	}
	if ids.Admins, err = parseAll(k.Admins); err != nil {
		return Identities{}, fmt.Errorf("admin key: %w", err)
	}
	if ids.Users, err = parseAll(k.Users); err != nil {
		return Identities{}, fmt.Errorf("user key: %w", err)
	}
	ids.Threshold = k.Threshold
	return ids, nil
}

// Parse decodes a hex private key or decrypts a "keystore:<path>" reference.
func Parse(material string) (*ecdsa.PrivateKey, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, errors.New("empty key material")
	}
	if path, ok := strings.CutPrefix(material, keystorePrefix); ok {
		return fromKeystore(path)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(material, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hex key: %w", err)
	}
	return key, nil
}

// Address returns the account controlled by key.
func Address(key *ecdsa.PrivateKey) common.Address {
	if key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(key.PublicKey)
}

// AdminAddresses lists admin accounts in key order.
func (ids Identities) AdminAddresses() []common.Address {
	out := make([]common.Address, 0, len(ids.Admins))
	for _, k := range ids.Admins {
		out = append(out, Address(k))
	}
	return out
}

func parseAll(materials []string) ([]*ecdsa.PrivateKey, error) {
	out := make([]*ecdsa.PrivateKey, 0, len(materials))
	for i, m := range materials {
		k, err := Parse(m)
		if err != nil {
			return nil, fmt.Errorf("#%d: %w", i, err)
		}
		out = append(out, k)
	}
	return out, nil
}

func fromKeystore(path string) (*ecdsa.PrivateKey, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("key file not found: %s", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	pswMu.Lock()
	defer pswMu.Unlock()
	psw, ok := pswCache[path]
	if !ok {
		if psw, err = PasswordFunc(path); err != nil {
			return nil, err
		}
	}
	key, err := keystore.DecryptKey(raw, psw)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", path, err)
	}
	pswCache[path] = psw
	return key.PrivateKey, nil
}

func promptPassword(path string) (string, error) {
	if psw, ok := os.LookupEnv(EnvPassword); ok {
		return psw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to prompt for %s; set %s", path, EnvPassword)
	}
	fmt.Fprintf(os.Stderr, "Enter password for key %s: ", path)
	psw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(psw), nil
}
