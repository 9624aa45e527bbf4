package contracts

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestTransferTopicMatchesERC20(t *testing.T) {
	require.Equal(t,
		common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"),
		TransferTopic,
	)
}

func TestPackIsValidSignatureSelector(t *testing.T) {
	data, err := PackIsValidSignature(common.Hash{0x01}, []byte{0xaa, 0xbb})
	require.NoError(t, err)
	require.Equal(t, ERC1271MagicValue[:], data[:4])
}

func TestUnpackMagicValue(t *testing.T) {
	output := make([]byte, 32)
	copy(output, ERC1271MagicValue[:])
	magic, err := UnpackMagicValue(output)
	require.NoError(t, err)
	require.Equal(t, ERC1271MagicValue, magic)

	_, err = UnpackMagicValue([]byte{0x01})
	require.Error(t, err)
}

func TestAddressTopic(t *testing.T) {
	addr := common.HexToAddress("0xc749169dB9C231E1797Aa9cD7f5B7a88AeD25b08")
	topic := AddressTopic(addr)
	require.Equal(t, addr, common.BytesToAddress(topic.Bytes()))
	require.Equal(t, make([]byte, 12), topic.Bytes()[:12])
}
