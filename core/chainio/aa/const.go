package aa

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

var (
	EntryPointV06Address = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	EntryPointV07Address = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

	// eth-infinitism SimpleAccountFactory deployments
	FactoryV06Address = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
	FactoryV07Address = common.HexToAddress("0x91E60e0613810449d098b0b5Ec8b51A0FE8c8985")
)

func DefaultEntryPoint(v userop.Version) common.Address {
	if v == userop.V06 {
		return EntryPointV06Address
	}
	return EntryPointV07Address
}

func DefaultFactory(v userop.Version) common.Address {
	if v == userop.V06 {
		return FactoryV06Address
	}
	return FactoryV07Address
}
