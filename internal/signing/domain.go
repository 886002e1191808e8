package signing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"gopkg.in/yaml.v3"
)

// Domain separates signatures produced for one contract instance, chain and
// protocol version from every other context.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// At returns a copy of the domain bound to a different verifying contract.
func (d Domain) At(contract common.Address) Domain {
	d.VerifyingContract = contract
	if d.ChainID != nil {
		d.ChainID = new(big.Int).Set(d.ChainID)
	}
	return d
}

// Validate reports whether the domain can be used to build digests.
func (d Domain) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("signing domain name is required")
	}
	if strings.TrimSpace(d.Version) == "" {
		return errors.New("signing domain version is required")
	}
	if d.ChainID == nil || d.ChainID.Sign() <= 0 {
		return errors.New("signing domain chain id must be positive")
	}
	return nil
}

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

func (d Domain) typed() apitypes.TypedDataDomain {
	chainID := new(big.Int)
	if d.ChainID != nil {
		chainID.Set(d.ChainID)
	}
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(chainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// DomainFile models configs/domain.yaml.
type DomainFile struct {
	Engine DomainDefinition `yaml:"engine"`
	Escrow DomainDefinition `yaml:"escrow"`
	// RPCURL optionally points to a JSON-RPC node used to discover the chain id.
	RPCURL string `yaml:"rpc_url"`
}

// DomainDefinition describes one signing domain.
type DomainDefinition struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	ChainID  uint64 `yaml:"chain_id"`
	Contract string `yaml:"contract"`
}

// LoadDomainFile parses the YAML file describing the engine and escrow domains.
// An empty path yields an empty definition so callers can fall back to
// configuration defaults.
func LoadDomainFile(path string) (DomainFile, error) {
	if strings.TrimSpace(path) == "" {
		return DomainFile{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return DomainFile{}, fmt.Errorf("读取签名域配置失败: %w", err)
	}

	var file DomainFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return DomainFile{}, fmt.Errorf("解析签名域配置失败: %w", err)
	}
	return file, nil
}

// Domain converts the definition, keeping fallback values for unset fields.
func (d DomainDefinition) Domain(fallback Domain) (Domain, error) {
	out := fallback.At(fallback.VerifyingContract)
	if name := strings.TrimSpace(d.Name); name != "" {
		out.Name = name
	}
	if version := strings.TrimSpace(d.Version); version != "" {
		out.Version = version
	}
	if d.ChainID != 0 {
		out.ChainID = new(big.Int).SetUint64(d.ChainID)
	}
	if contract := strings.TrimSpace(d.Contract); contract != "" {
		if !common.IsHexAddress(contract) {
			return Domain{}, fmt.Errorf("invalid contract address %q", contract)
		}
		out.VerifyingContract = common.HexToAddress(contract)
	}
	return out, nil
}

// ResolveChainID asks a JSON-RPC node for its chain id.
func ResolveChainID(ctx context.Context, rpcURL string) (*big.Int, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询链 ID 失败: %w", err)
	}
	return chainID, nil
}
